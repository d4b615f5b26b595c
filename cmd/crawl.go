package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd creates the 'crawl' subcommand. It runs one source, or every
// source with --all, and writes the JSON result to stdout or --output.
func newCrawlCmd() *cobra.Command {
	var (
		sourceID string
		all      bool
		output   string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl one source, or all of them",
		Long: `Walks the listing pages of a source, fetches every new item's detail
page, and persists the merged items. Ctrl-C stops the walk at the next
checkpoint; items already dispatched are still finished and stored.`,
		Example: "  sitecrawler crawl --source books\n  sitecrawler crawl --all --output runs.json",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (sourceID == "") == !all {
				return errors.New("exactly one of --source or --all is required")
			}
			state, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create output: %w", err)
				}
				defer func() {
					if cerr := f.Close(); cerr != nil {
						state.app.Logger().Warn("close output", zap.Error(cerr))
					}
				}()
				out = f
			}

			if all {
				runs := state.app.RunAll(cmd.Context())
				if err := writeJSON(out, runs); err != nil {
					return err
				}
				for _, run := range runs {
					if run.Error != "" {
						return fmt.Errorf("source %s failed: %s", run.SourceID, run.Error)
					}
				}
				return nil
			}

			res, err := state.app.RunSource(cmd.Context(), sourceID)
			if err != nil {
				return fmt.Errorf("crawl %s: %w", sourceID, err)
			}
			return writeJSON(out, res)
		},
	}
	cmd.Flags().StringVarP(&sourceID, "source", "s", "", "id of the source to crawl")
	cmd.Flags().BoolVar(&all, "all", false, "crawl every loaded source in turn")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the JSON result to this file instead of stdout")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
