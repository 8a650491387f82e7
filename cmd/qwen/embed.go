package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/germanamz/qwen/cmd/qwen/internal/render"
	"github.com/germanamz/qwen/cmd/qwen/internal/waitview"
	"github.com/germanamz/qwen/pkg/providers/qwen"
)

const embedLongDesc = `Compute the ` + qwen.EmbeddingModel + ` embedding of a text.

The text is taken from the arguments, or from standard input when no
arguments are given.

Examples:
  qwen embed "the quick brown fox"
  cat note.txt | qwen embed --json > vector.json`

type embedCommander struct {
	root *rootCommander

	json    bool
	preview int
}

func newEmbedCmd(root *rootCommander) *cobra.Command {
	cmder := &embedCommander{root: root}

	cmd := &cobra.Command{
		Use:   "embed [text]",
		Short: "Compute a text embedding",
		Long:  embedLongDesc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&cmder.json, "json", false, "print the full vector as a JSON array")
	cmd.Flags().IntVarP(&cmder.preview, "preview", "n", 8, "number of components to show (0 = all)")

	return cmd
}

func (e *embedCommander) run(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("embed: read input: %w", err)
		}
		text = strings.TrimRight(string(data), "\r\n")
	}

	eng, err := e.root.newEngine()
	if err != nil {
		return err
	}

	embedder := eng.Embedder()
	vec, err := waitview.Run(cmd.Context(), cmd.ErrOrStderr(), "Embedding", func(ctx context.Context) ([]float64, error) {
		return embedder.EmbedText(ctx, text)
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if e.json {
		return json.NewEncoder(out).Encode(vec)
	}

	fmt.Fprintln(out, render.Vector(vec, e.preview))
	fmt.Fprintln(out, render.DimStyle.Render(fmt.Sprintf("%d dimensions, %s", len(vec), render.Usage(eng.Usage()))))
	return nil
}
