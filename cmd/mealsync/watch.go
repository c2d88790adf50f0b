package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tablewise/mealsync"
	"github.com/tablewise/mealsync/pkg/events"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the synced collections until interrupted",
		Long: `Watch starts the engine, prints the current meal ideas and pantry,
and reprints whenever local edits, queued replays, or realtime server
pushes change them. Interrupt to stop.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close() //nolint:errcheck

			redraw := func() { printCollections(eng) }
			eng.MealIdeas().OnChange(redraw)
			eng.Pantry().OnChange(redraw)
			eng.OnConnectivityChange(func(online bool) {
				state := "offline"
				if online {
					state = "online"
				}
				fmt.Fprintf(os.Stderr, "-- connectivity: %s\n", state)
			})
			eng.OnAuthFailure(func(f events.AuthFailure) {
				fmt.Fprintf(os.Stderr, "-- access denied (%s): sign in again\n", f.Reason)
			})

			redraw()
			<-ctx.Done()
			return nil
		},
	}
}

func printCollections(eng mealsync.Engine) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)

	fmt.Fprintln(w, "MEAL IDEAS\tUPDATED")
	for _, idea := range eng.MealIdeas().Items() {
		fmt.Fprintf(w, "%s\t%s\n", idea.Title, idea.UpdatedAt)
	}
	fmt.Fprintln(w, "\nPANTRY\tQTY")
	for _, item := range eng.Pantry().Items() {
		fmt.Fprintf(w, "%s\t%d\n", item.Name, item.Quantity)
	}
	fmt.Fprintln(w)
	_ = w.Flush()
}
