package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report connectivity and local collection state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			eng, err := startEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close() //nolint:errcheck

			state := "offline"
			if eng.Online() {
				state = "online"
			}
			fmt.Printf("server:      %s\n", state)
			if eng.AuthSuspended() {
				fmt.Println("auth:        suspended (sign in again)")
			}
			fmt.Printf("meal ideas:  %d\n", len(eng.MealIdeas().Items()))
			fmt.Printf("pantry:      %d\n", len(eng.Pantry().Items()))
			return nil
		},
	}
}
