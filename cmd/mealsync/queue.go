package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tablewise/mealsync/internal/store"
)

func newQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List changes queued for the next sync",
		Long: `Queue inspects the local store directly, so it works with the server
unreachable. Each line is one pending change awaiting replay.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			st, err := store.Open(s.Store.Path)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			ctx := cmd.Context()
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SEQ\tCOLLECTION\tKIND\tTARGET\tQUEUED AT")

			total := 0
			for _, collection := range []string{"meal-ideas", "pantry"} {
				pending, err := st.PendingChanges(ctx, collection)
				if err != nil {
					return err
				}
				for _, change := range pending {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						change.Seq, change.Collection, change.Kind, change.TargetID,
						change.QueuedAt.Format(time.RFC3339))
					total++
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if total == 0 {
				fmt.Println("queue empty: everything is synced")
			}
			return nil
		},
	}
}
