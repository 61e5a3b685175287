package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/mldesk/mldesk/pkg/client"
)

func createStatusCommand() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker status of a running backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := client.New(client.Config{BaseURL: apiURL, Timeout: 5 * time.Second})
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8317/api", "base URL of the backend API")
	return cmd
}
