package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

var errStreamEnded = errors.New("stream ended before the job finished")

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow live progress of a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			endpoint := ctx.serverURL(server) + "/api/v1/videos/" + url.PathEscape(args[0]) + "/stream"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, endpoint, nil)
			if err != nil {
				return fmt.Errorf("failed to create request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			defer resp.Body.Close()
			if err := checkResponse(resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var last models.ProgressEvent
			err = readEvents(resp.Body, func(ev models.ProgressEvent) {
				last = ev
				fmt.Fprintln(out, progressLine(ev))
			})
			if err != nil {
				return err
			}
			if last.Type == models.EventFailed {
				return fmt.Errorf("job %s failed: %s", args[0], last.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Server base URL (defaults to the configured bind address)")
	return cmd
}

// readEvents parses a server-sent event stream and calls fn for each event
// until the terminal one. Comment lines are keepalives and are ignored.
func readEvents(r io.Reader, fn func(models.ProgressEvent)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)

	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
				return fmt.Errorf("failed to parse event: %w", err)
			}
			data.Reset()
			fn(ev)
			if ev.IsTerminal() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errStreamEnded
}
