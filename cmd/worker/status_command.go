package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var server string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := ctx.serverURL(server)
			reqCtx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var job models.Job
			if err := getJSON(reqCtx, base+"/api/v1/videos/"+url.PathEscape(args[0]), &job); err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd, &job)
			}
			printJob(cmd.OutOrStdout(), &job)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL (defaults to the configured bind address)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the job as JSON")
	return cmd
}

// apiError is the body the server sends with non-2xx responses
type apiError struct {
	Error string `json:"error"`
}

func getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
}
