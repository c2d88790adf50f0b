package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes against the server and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close() //nolint:errcheck

			if !eng.Online() {
				return fmt.Errorf("server unreachable; queued changes kept for later")
			}
			eng.Sync(ctx)
			fmt.Println("sync complete")
			return nil
		},
	}
}
