package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/wingdesk/internal/api"
	"github.com/ehrlich-b/wingdesk/internal/auth"
	"github.com/ehrlich-b/wingdesk/internal/config"
)

func loginCmd(g *globalFlags) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with a wingdesk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			server, err := a.server()
			if err != nil {
				return err
			}
			password, err := readPassword("password: ")
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("empty password")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := api.New(api.Options{BaseURL: server, Logger: a.log})
			token, err := client.Login(ctx, password)
			if err != nil {
				if api.IsStatus(err, 401) {
					return errors.New("login rejected: wrong password")
				}
				return fmt.Errorf("login: %w", err)
			}

			cred := auth.NewCredential(server, token, time.Now())
			if err := a.creds.Save(cred); err != nil {
				return err
			}
			if save && g.server != "" {
				a.cfg.Server = g.server
				if err := config.Save(config.Path(a.dir), a.cfg); err != nil {
					return err
				}
			}
			if cred.ExpiresAt > 0 {
				fmt.Printf("logged in to %s (expires %s)\n", server, time.Unix(cred.ExpiresAt, 0).Format(time.RFC1123))
			} else {
				fmt.Printf("logged in to %s\n", server)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", true, "remember --server in config.yaml")
	return cmd
}

func logoutCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.creds.Delete(); err != nil {
				return err
			}
			fmt.Println("logged out")
			return nil
		},
	}
}

// readPassword reads without echo from a terminal, or a line from a pipe.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
