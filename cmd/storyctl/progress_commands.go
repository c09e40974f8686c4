package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"storyverse/internal/progress"
)

func newProgressCommand(ctx *commandContext) *cobra.Command {
	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or reset the stored reading progress",
	}
	progressCmd.AddCommand(newProgressShowCommand(ctx))
	progressCmd.AddCommand(newProgressResetCommand(ctx))
	return progressCmd
}

// withStore opens the configured progress backend for the duration of fn.
func (c *commandContext) withStore(cmd *cobra.Command, fn func(*progress.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	kv, closer, err := progress.OpenKV(cfg.ProgressBackend())
	if err != nil {
		return fmt.Errorf("open progress backend: %w", err)
	}
	defer closer.Close()
	return fn(progress.NewStore(kv, c.logger(cmd)))
}

func newProgressShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored progress record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(store *progress.Store) error {
				p, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, p)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, progressRows(p), nil))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw record as JSON")
	return cmd
}

func progressRows(p progress.UserProgress) [][]string {
	last := p.LastStoryID
	if last == "" {
		last = "-"
	}
	bookmarks := 0
	for _, pages := range p.Bookmarks {
		bookmarks += len(pages)
	}
	return [][]string{
		{"User", p.UserID},
		{"Last story", last},
		{"Scroll", strconv.FormatFloat(p.ScrollPosition, 'f', 0, 64)},
		{"Likes", strconv.Itoa(len(p.Likes))},
		{"Ratings", strconv.Itoa(len(p.Ratings))},
		{"Bookmarks", strconv.Itoa(bookmarks)},
		{"Chats", strconv.Itoa(len(p.Chats))},
		{"Active chat", yesNo(p.CurrentChatID != "")},
	}
}

func newProgressResetCommand(ctx *commandContext) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear likes, ratings, bookmarks and chats while keeping the device id",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to reset progress without --yes")
			}
			return ctx.withStore(cmd, func(store *progress.Store) error {
				p, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if err := store.Save(cmd.Context(), progress.Defaults(p.UserID)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Progress reset for %s\n", p.UserID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm the reset")
	return cmd
}
