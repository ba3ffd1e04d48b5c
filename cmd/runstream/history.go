package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/runstream/core"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var (
		conversation string
		full         bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the persisted messages of a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := ctx.ensureConfig(); err != nil {
				return err
			}
			if strings.TrimSpace(conversation) == "" {
				return errors.New("--conversation is required")
			}
			store, closeStore, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			reqCtx := cmd.Context()
			if reqCtx == nil {
				reqCtx = context.Background()
			}
			msgs, err := store.ListMessages(reqCtx, conversation)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintf(out, "No messages in conversation %s\n", conversation)
				return nil
			}
			if full {
				renderer, _ := resolveRender("auto", out)
				for _, m := range msgs {
					fmt.Fprintf(out, "── %s  %s  %s\n", m.CreatedAt.Format(time.RFC3339), m.RunID, m.Status)
					body := m.Content
					if renderer != nil {
						if rendered, err := renderer.Render(body); err == nil {
							body = rendered
						}
					}
					fmt.Fprintln(out, body)
				}
				return nil
			}
			fmt.Fprintln(out, renderHistory(msgs))
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id")
	cmd.Flags().BoolVar(&full, "full", false, "Print complete message bodies")
	return cmd
}

func renderHistory(msgs []core.Message) string {
	rows := make([][]string, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []string{
			m.CreatedAt.Format(time.RFC3339),
			m.RunID,
			string(m.Status),
			preview(m.Content, 60),
			strconv.Itoa(len(m.Sources)),
		})
	}
	return renderTable(
		[]string{"Created", "Run", "Status", "Content", "Sources"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
