package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"storyverse/internal/catalog"
	"storyverse/internal/source"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the story catalog",
	}
	catalogCmd.AddCommand(newCatalogListCommand(ctx))
	catalogCmd.AddCommand(newCatalogShowCommand(ctx))
	return catalogCmd
}

func newCatalogListCommand(ctx *commandContext) *cobra.Command {
	var search string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stories, optionally filtered by title",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := ctx.catalog()
			if err != nil {
				return err
			}
			stories := cat.Stories()
			if search != "" {
				stories = cat.Search(search)
			}
			if asJSON {
				return writeJSON(cmd, stories)
			}
			out := cmd.OutOrStdout()
			if len(stories) == 0 {
				fmt.Fprintln(out, "No stories found")
				return nil
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Title", "Universe", "Series", "Order"},
				storyRows(stories),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&search, "search", "s", "", "Case and accent insensitive title filter")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func storyRows(stories []catalog.Story) [][]string {
	rows := make([][]string, 0, len(stories))
	for _, st := range stories {
		series := st.Series
		if series == "" {
			series = "-"
		}
		rows = append(rows, []string{st.ID, st.Title, st.Universe, series, strconv.Itoa(st.Order)})
	}
	return rows
}

func newCatalogShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <story-id>",
		Short: "Show a story and the URLs the reader fetches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := ctx.catalog()
			if err != nil {
				return err
			}
			st, err := cat.Story(args[0])
			if err != nil {
				return err
			}
			urls := source.Resolve(st.SourcePath)
			rows := [][]string{
				{"ID", st.ID},
				{"Title", st.Title},
				{"Universe", st.Universe},
				{"Series", st.Series},
				{"Season", st.Season},
				{"Download", urls.DownloadURL},
				{"Preview", urls.PreviewURL},
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "resolve <path>",
		Short:       "Derive download and preview URLs for a story path",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd, source.Resolve(args[0]))
		},
	}
}
