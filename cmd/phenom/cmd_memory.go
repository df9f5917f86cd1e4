package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/phenom-core/internal/memory"
	"github.com/ajitpratap0/phenom-core/internal/personal"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and edit conversation memory",
	}
	cmd.AddCommand(
		memoryRememberCmd(),
		memoryRecallCmd(),
		memoryForgetCmd(),
		memoryImportEnvCmd(),
		memoryProfileCmd(),
		memoryPatternsCmd(),
		memoryHistoryCmd(),
		memoryResetCmd(),
	)
	return cmd
}

// withMemory opens the configured memory store, runs fn and flushes on the way out.
func withMemory(cmd *cobra.Command, fn func(ctx context.Context, mem *memory.Store) error) error {
	logger := newLogger()
	ctx := cmd.Context()

	mem, err := memory.Open(ctx, cfg.Memory, logger)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	runErr := fn(ctx, mem)
	if err := mem.Close(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("memory: saving: %w", err)
	}
	return runErr
}

func memoryRememberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remember [key] [value]",
		Short: "Store a fact, overwriting any previous value",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				key := strings.TrimSpace(args[0])
				if key == "" {
					return fmt.Errorf("memory remember: key must not be empty")
				}
				mem.Remember(key, strings.Join(args[1:], " "))
				fmt.Printf("Remembered %s\n", key)
				return nil
			})
		},
	}
}

func memoryRecallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recall [key]",
		Short: "Print a stored fact, or every fact when no key is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				if len(args) == 0 {
					for _, f := range mem.Facts() {
						fmt.Printf("%s: %s\n", f.Key, f.Value)
					}
					return nil
				}
				v, ok := mem.Recall(args[0])
				if !ok {
					return fmt.Errorf("memory recall: no fact stored under %q", args[0])
				}
				fmt.Println(v)
				return nil
			})
		},
	}
}

func memoryForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget [key]",
		Short: "Delete a stored fact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				if !mem.Forget(args[0]) {
					fmt.Printf("No fact stored under %s\n", args[0])
					return nil
				}
				fmt.Printf("Forgot %s\n", args[0])
				return nil
			})
		},
	}
}

func memoryImportEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import-env",
		Short: "Copy personal environment variables into memory without overwriting existing facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				n := personal.ImportIfAbsent(cfg.AI.PersonalInjection, personal.NewEnvSource(), mem)
				fmt.Printf("Imported %d facts\n", n)
				return nil
			})
		},
	}
}

func memoryProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show the learned user profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				return writeYAML(os.Stdout, mem.Profile())
			})
		},
	}
}

func memoryPatternsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "List the most frequent learned patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				for _, p := range mem.CommonPatterns(limit) {
					fmt.Printf("  %-30s %d\n", p.Pattern, p.Count)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of patterns")
	return cmd
}

func memoryHistoryCmd() *cobra.Command {
	var (
		limit int
		query string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent conversation turns, optionally filtered by a substring",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, func(_ context.Context, mem *memory.Store) error {
				records := mem.RecentTurns(limit)
				if query != "" {
					records = mem.SearchTurns(query)
				}
				for _, r := range records {
					fmt.Printf("#%d %s\n", r.Seq, r.Timestamp.Format("2006-01-02 15:04:05"))
					fmt.Printf("  user:      %s\n", truncate(r.User, 100))
					fmt.Printf("  assistant: %s\n", truncate(r.Assistant, 100))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of recent turns")
	cmd.Flags().StringVarP(&query, "query", "q", "", "case-insensitive substring filter over all turns")
	return cmd
}

func memoryResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Erase all facts, preferences, patterns and conversation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("memory reset: pass --yes to confirm")
			}
			return withMemory(cmd, func(ctx context.Context, mem *memory.Store) error {
				mem.Reset()
				if err := mem.Compact(ctx); err != nil {
					return fmt.Errorf("memory reset: %w", err)
				}
				fmt.Println("Memory cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
