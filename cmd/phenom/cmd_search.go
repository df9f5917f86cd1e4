package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func searchCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the knowledge base by semantic similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			a, err := newApp(ctx, logger)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			hits, err := a.rag.Search(ctx, strings.Join(args, " "), limit)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if len(hits) == 0 {
				fmt.Println("No matching documents.")
				return nil
			}
			for i := range hits {
				h := &hits[i]
				fmt.Printf("[%d] (%.4f) %s\n", i+1, h.Distance, truncate(h.Document.Text, 120))
				if src, ok := h.Document.Metadata["source"]; ok {
					fmt.Printf("    ID: %s | Source: %v\n", h.Document.ID, src)
				} else {
					fmt.Printf("    ID: %s\n", h.Document.ID)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (default: retrieval.top_k)")
	return cmd
}
