package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Add files to the knowledge base, one document per blank-line separated paragraph",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()

			a, err := newApp(ctx, logger)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			if !a.retrieval.Enabled() {
				return fmt.Errorf("ingest: retrieval is disabled")
			}

			total := 0
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("ingest: reading %s: %w", path, err)
				}
				docs := splitDocuments(string(data))
				metas := make([]map[string]any, len(docs))
				for i := range metas {
					metas[i] = map[string]any{"source": filepath.Base(path), "chunk": i}
				}
				added := a.rag.AddKnowledgeBulk(ctx, docs, metas)
				fmt.Printf("%s: added %d/%d documents\n", path, added, len(docs))
				total += added
			}
			fmt.Printf("Total added: %d (index now holds %d)\n", total, a.retrieval.Stats().DocumentCount)
			return nil
		},
	}
	return cmd
}

// splitDocuments splits text on blank lines and drops empty paragraphs.
func splitDocuments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var docs []string
	var cur []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			docs = append(docs, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()
	return docs
}
