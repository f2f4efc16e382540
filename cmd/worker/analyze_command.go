package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/models"
)

func newAnalyzeCommand(ctx *commandContext) *cobra.Command {
	var ownerID, notes string
	var jsonOutput, quiet bool

	cmd := &cobra.Command{
		Use:   "analyze <video>",
		Short: "Analyze one video file in this process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}

			input, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve input: %w", err)
			}
			if info, err := os.Stat(input); err != nil {
				return fmt.Errorf("input %s: %w", args[0], err)
			} else if info.IsDir() {
				return fmt.Errorf("input %s is a directory", args[0])
			}

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := buildRuntime(sigCtx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			meta := models.JobMetadata{OwnerID: ownerID, Notes: notes, SourceName: filepath.Base(input)}
			jobID := models.NewJobID()
			if _, err := rt.registry.Create(jobID, meta); err != nil {
				return err
			}

			done := make(chan struct{})
			sub := rt.hub.Open(jobID).Subscribe()
			go func() {
				defer close(done)
				followProgress(cmd.ErrOrStderr(), sub, quiet || jsonOutput)
			}()

			procErr := rt.processor.Process(sigCtx, models.JobPayload{
				JobID:     jobID,
				InputPath: input,
				Metadata:  meta,
			})
			<-done

			job, err := rt.registry.Get(jobID)
			if err != nil {
				return errors.Join(procErr, err)
			}
			if jsonOutput {
				if err := writeJSON(cmd, job); err != nil {
					return err
				}
			} else {
				printJob(cmd.OutOrStdout(), job)
			}
			if procErr != nil {
				return fmt.Errorf("analysis failed: %w", procErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner id recorded with the result")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-form notes recorded with the result")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the final job as JSON")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print live progress")
	return cmd
}

// followProgress drains sub until the terminal event. On a terminal the
// line is redrawn in place; otherwise each event gets its own line.
func followProgress(w io.Writer, sub *livechannel.Subscription, silent bool) {
	defer sub.Unsubscribe()
	inPlace := isTerminal(w)
	for ev := range sub.Events() {
		if silent {
			continue
		}
		line := progressLine(ev)
		if inPlace {
			fmt.Fprintf(w, "\r\033[K%s", line)
			if ev.IsTerminal() {
				fmt.Fprintln(w)
			}
			continue
		}
		fmt.Fprintln(w, line)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
