package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/orchestrator"
	"github.com/hupe1980/runstream/sink"
)

// fileTransport opens the recorded frame stream of a conversation from disk.
type fileTransport map[string]string

func (t fileTransport) Open(_ context.Context, req core.TransportRequest) (io.ReadCloser, error) {
	path, ok := t[req.ConversationID]
	if !ok {
		return nil, fmt.Errorf("no recording for conversation %s", req.ConversationID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type replayResult struct {
	file string
	snap core.Snapshot
}

func newReplayCommand(ctx *commandContext) *cobra.Command {
	var (
		concurrency int
		showText    bool
	)

	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Replay recorded frame streams, one conversation per file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}

			recordings := make(fileTransport, len(args))
			convs := make([]string, len(args))
			for i, file := range args {
				conv := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
				if _, dup := recordings[conv]; dup {
					conv = conv + "-" + strconv.Itoa(i)
				}
				recordings[conv] = file
				convs[i] = conv
			}

			bubble := sink.NewMemoryBubble()
			sess, err := ctx.newSession(recordings, cmd.OutOrStdout(), bubble)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = sess.Close(shutdownCtx)
			}()

			results, err := replayAll(cmd.Context(), sess.orc, args, convs, concurrency)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderReplaySummary(results))
			if showText {
				for _, r := range results {
					fmt.Fprintf(out, "\n== %s ==\n%s\n", r.snap.ConversationID, r.snap.AccumulatedText)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Maximum number of recordings replayed at once")
	cmd.Flags().BoolVar(&showText, "show-text", false, "Print the final text of every conversation")
	return cmd
}

func replayAll(ctx context.Context, orc *orchestrator.Orchestrator, files, convs []string, concurrency int) ([]replayResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]replayResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i := range files {
		g.Go(func() error {
			run, err := orc.Submit(gctx, orchestrator.SubmitRequest{ConversationID: convs[i], Input: files[i]})
			if err != nil {
				return fmt.Errorf("replay %s: %w", files[i], err)
			}
			snap, err := orc.Wait(gctx, run.ID)
			if err != nil {
				return fmt.Errorf("replay %s: %w", files[i], err)
			}
			results[i] = replayResult{file: files[i], snap: snap}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func renderReplaySummary(results []replayResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		reason := r.snap.FailureReason
		if r.snap.PersistErr != nil {
			reason = strings.TrimSpace(reason + " not saved: " + r.snap.PersistErr.Error())
		}
		rows = append(rows, []string{
			r.file,
			r.snap.ConversationID,
			string(r.snap.Status),
			strconv.Itoa(len(r.snap.AccumulatedText)),
			reason,
		})
	}
	return renderTable(
		[]string{"File", "Conversation", "Status", "Chars", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
