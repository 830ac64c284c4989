package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingdesk/internal/api"
	"github.com/ehrlich-b/wingdesk/internal/config"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

var envKeys = []string{
	config.DirEnv,
	"WD_SERVER",
	"WD_MODEL",
	"WD_LOG_LEVEL",
	"WD_STORE_PATH",
}

func doctorCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credential, server and cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Println("wd doctor")
			fmt.Println()

			fmt.Println("Config:")
			fmt.Printf("  dir:        %s\n", a.dir)
			fmt.Printf("  server:     %s\n", orNone(a.cfg.Server))
			fmt.Printf("  model:      %s\n", a.cfg.Model)
			fmt.Printf("  reconnect:  %s x%d\n", a.cfg.Reconnect.Delay, a.cfg.Reconnect.Attempts)
			fmt.Printf("  presence:   every %s, max %d\n", a.cfg.Presence.Interval, a.cfg.Presence.Max)
			fmt.Println()

			fmt.Println("Environment:")
			for _, k := range envKeys {
				if v := os.Getenv(k); v != "" {
					fmt.Printf("  %-16s %s\n", k, v)
				} else {
					fmt.Printf("  %-16s not set\n", k)
				}
			}
			fmt.Println()

			fmt.Println("Credential:")
			cred, err := a.credential()
			switch {
			case err != nil:
				fmt.Printf("  %v\n", err)
			case cred.ExpiresAt > 0:
				fmt.Printf("  valid, expires %s\n", humanize.Time(time.Unix(cred.ExpiresAt, 0)))
			default:
				fmt.Println("  valid, no expiry")
			}
			fmt.Println()

			if a.cfg.Server != "" {
				fmt.Println("Server:")
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				v, verr := api.New(api.Options{BaseURL: a.cfg.Server, Logger: a.log}).Version(ctx)
				cancel()
				if verr != nil {
					fmt.Printf("  %-10s not reachable: %v\n", "api", verr)
				} else {
					fmt.Printf("  %-10s %s\n", "api", v)
				}
				if url, err := ws.URL(a.cfg.Server); err == nil {
					fmt.Printf("  %-10s %s\n", "socket", url)
				}
				fmt.Println()
			}

			fmt.Println("Cache:")
			path := a.cfg.StorePath(a.dir)
			if st := a.openStore(); st == nil {
				fmt.Printf("  %s: cannot open\n", path)
			} else {
				convs, err := st.ListConversations()
				if err != nil {
					fmt.Printf("  %s: %v\n", path, err)
				} else {
					size := ""
					if fi, err := os.Stat(path); err == nil {
						size = ", " + humanize.Bytes(uint64(fi.Size()))
					}
					fmt.Printf("  %s (%d conversations%s)\n", path, len(convs), size)
				}
			}
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
