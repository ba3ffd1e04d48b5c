package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/runstream/core"
	"github.com/hupe1980/runstream/orchestrator"
)

func newChatCommand(ctx *commandContext) *cobra.Command {
	var (
		conversation string
		mode         string
		stallTimeout time.Duration
		render       string
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one prompt and stream the response",
		Long: "Send one prompt and stream the response into the sink of the selected mode.\n" +
			"The prompt is read from stdin when no argument is given. Ctrl-C aborts the\n" +
			"run and persists the partial response.",
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			editing, err := parseMode(mode)
			if err != nil {
				return err
			}
			input, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("stall-timeout") {
				stallTimeout = cfg.Stream.StallTimeout
			}

			out := cmd.OutOrStdout()
			renderer, err := resolveRender(render, out)
			if err != nil {
				return err
			}

			tr, err := ctx.newTransport()
			if err != nil {
				return err
			}
			sess, err := ctx.newSession(tr, out, newTermBubble(out, renderer))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = sess.Close(shutdownCtx)
			}()

			return runChat(cmd.Context(), cmd.ErrOrStderr(), out, sess, conversation, input, editing, stallTimeout)
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "default", "Conversation id")
	cmd.Flags().StringVar(&mode, "mode", "chat", "Editing mode: chat, document, spreadsheet, slides")
	cmd.Flags().DurationVar(&stallTimeout, "stall-timeout", 0, "Abort when no chunk arrives for this long (0 disables)")
	cmd.Flags().StringVar(&render, "render", "auto", "Render the settled markdown: auto, always, never")
	return cmd
}

func runChat(
	parent context.Context,
	stderr, out io.Writer,
	sess *session,
	conversation, input string,
	mode core.EditingMode,
	stallTimeout time.Duration,
) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchdog := newStallWatchdog(sess.orc, stallTimeout)
	run, err := sess.orc.Submit(sigCtx, orchestrator.SubmitRequest{
		ConversationID: conversation,
		Input:          input,
		Mode:           mode,
	})
	if err != nil {
		if core.IsConflict(err) {
			return fmt.Errorf("conversation %s already has a response in flight", conversation)
		}
		return err
	}
	watchdog.Watch(run.ID)

	snap, err := sess.orc.Wait(sigCtx, run.ID)
	if err != nil && sigCtx.Err() != nil {
		_ = sess.orc.Abort(context.Background(), run.ID)
		snap, _ = sess.orc.Wait(context.Background(), run.ID)
	}
	stalled := watchdog.Stop()

	if snap.SinkKind == core.SinkDocument {
		sess.docs.Print(out, run.ID)
	}
	return reportOutcome(stderr, snap, stalled)
}

func reportOutcome(stderr io.Writer, snap core.Snapshot, stalled bool) error {
	if snap.PersistErr != nil {
		fmt.Fprintf(stderr, "warning: response was not saved: %v\n", snap.PersistErr)
	}
	switch snap.Status {
	case core.RunStatusCompleted:
		return nil
	case core.RunStatusAborted:
		if stalled {
			fmt.Fprintln(stderr, "[aborted: no data received within the stall timeout]")
		} else {
			fmt.Fprintln(stderr, "[aborted]")
		}
		return nil
	case core.RunStatusFailed:
		return fmt.Errorf("response failed: %s", snap.FailureReason)
	default:
		return fmt.Errorf("run ended in unexpected state %s", snap.Status)
	}
}

func readPrompt(in io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if isTerminal(in) {
		return "", errors.New("no prompt given")
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}
