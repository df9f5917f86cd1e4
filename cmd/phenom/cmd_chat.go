package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/phenom-core/internal/models"
)

func chatCmd() *cobra.Command {
	var (
		flags         generateFlags
		withKnowledge bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation on stdin",
		Long:  "Reads one user message per line and keeps the conversation history for the session. An empty line or EOF ends it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			a, err := newSession(ctx, logger)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			if err := flags.applyMode(a); err != nil {
				return fmt.Errorf("invalid --mode: %w", err)
			}

			var history []models.Turn
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprint(os.Stderr, "> ")
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					break
				}
				history = append(history, models.Turn{Role: models.RoleUser, Content: line})

				req := flags.request("")
				req.History = history

				var reply string
				if withKnowledge {
					reply, err = a.rag.Chat(ctx, req)
				} else {
					reply, err = a.orch.Chat(ctx, req)
				}
				if err != nil {
					return err
				}
				history = append(history, models.Turn{Role: models.RoleAssistant, Content: reply})
				fmt.Println(reply)

				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprint(os.Stderr, "> ")
			}
			return scanner.Err()
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&withKnowledge, "knowledge", false, "augment each turn with retrieved knowledge")
	return cmd
}
