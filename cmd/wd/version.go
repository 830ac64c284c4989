package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingdesk/internal/api"
)

func versionCmd(g *globalFlags) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the client version, and the server's with --check",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("wd %s\n", version)
			if !check {
				return nil
			}
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			server, err := a.server()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			v, err := api.New(api.Options{BaseURL: server, Logger: a.log}).Version(ctx)
			if err != nil {
				return fmt.Errorf("server version: %w", err)
			}
			fmt.Printf("server %s (%s)\n", v, server)
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "also query the server")
	return cmd
}

func modelsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models the server offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, client, err := apiApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			models, err := client.Models(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				marker := " "
				if m.ID == a.cfg.Model {
					marker = "*"
				}
				fmt.Printf("%s %-24s  %-12s  %s\n", marker, m.ID, m.Provider, m.Name)
			}
			return nil
		},
	}
}
