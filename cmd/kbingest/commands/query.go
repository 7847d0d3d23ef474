package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/kbingest-go/internal/logging"
	"github.com/54b3r/kbingest-go/internal/rag"
)

// snippetWords caps how much of each chunk the text output prints.
const snippetWords = 40

// queryResult is the JSON shape printed by `kbingest query --json`.
type queryResult struct {
	ID      string  `json:"id"`
	FileID  string  `json:"file_id"`
	Ordinal int     `json:"ordinal"`
	Source  string  `json:"source,omitempty"`
	Score   float32 `json:"score"`
	Content string  `json:"content"`
}

// NewQueryCmd constructs the `kbingest query` command, which runs a
// similarity search over the vector store.
func NewQueryCmd() *cobra.Command {
	var topK int
	var minScore float32
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the vector store for chunks similar to text",
		Long: `Embed the query text with the configured backend and print the most similar
chunks from the vector store, best match first.

Examples:
  kbingest query "how do I rotate the signing keys"
  kbingest query --top-k 10 --min-score 0.75 --json "deployment checklist"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			rt, err := openRuntime(ctx, log, false)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			defer rt.Close()

			retriever, err := rag.NewRetriever(rt.embedder, rt.vectors, rag.WithTopK(topK), rag.WithMinScore(minScore))
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			docs, err := retriever.Retrieve(ctx, strings.Join(args, " "), topK)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), docs)
			}
			writeText(cmd.OutOrStdout(), docs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 5, "Number of chunks to return")
	cmd.Flags().Float32Var(&minScore, "min-score", 0, "Drop chunks scoring below this similarity")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	return cmd
}

func writeJSON(w io.Writer, docs []rag.Document) error {
	out := make([]queryResult, 0, len(docs))
	for _, d := range docs {
		out = append(out, queryResult{
			ID:      d.ID,
			FileID:  d.FileID,
			Ordinal: d.Ordinal,
			Source:  d.Source,
			Score:   d.Score,
			Content: d.Content,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeText(w io.Writer, docs []rag.Document) {
	if len(docs) == 0 {
		fmt.Fprintln(w, "no matching chunks")
		return
	}
	for i, d := range docs {
		fmt.Fprintf(w, "%d. %s  (score %.3f)\n   %s\n\n", i+1, d.ID, d.Score, snippet(d.Content, snippetWords))
	}
}

// snippet returns the first n words of s, marking truncation with "...".
func snippet(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ") + " ..."
}
