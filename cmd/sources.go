package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the loaded sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tJS\tLISTING URL")
			for _, src := range state.app.Catalog().All() {
				js := "on"
				if src.DisableJavaScript {
					js = "off"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", src.ID, src.Name, js, src.Listing.URL)
			}
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("write sources: %w", err)
			}
			return nil
		},
	}
}
