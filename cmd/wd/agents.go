package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingdesk/internal/presence"
	"github.com/ehrlich-b/wingdesk/internal/ui"
)

func agentsCmd(g *globalFlags) *cobra.Command {
	var (
		watch    bool
		interval time.Duration
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show which agents are active",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			client, err := a.client()
			if err != nil {
				return err
			}
			opts := presence.Options{
				Interval: a.cfg.Presence.Interval,
				Max:      a.cfg.Presence.Max,
				Logger:   a.log,
				Metrics:  a.metrics,
			}
			if interval > 0 {
				opts.Interval = interval
			}
			if limit > 0 {
				opts.Max = limit
			}
			agg := presence.NewAggregator(client, opts)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if !watch {
				if err := agg.Poll(ctx); err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				snap := agg.Snapshot()
				out, err := ui.RenderPresence(snap.Records, snap.At)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}

			p := tea.NewProgram(ui.NewPresenceModel(time.Now), tea.WithAltScreen())
			stop := agg.Subscribe(func(s presence.Snapshot) {
				p.Send(ui.SnapshotMsg(s))
			})
			defer stop()
			go agg.Run(ctx)

			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep polling and redraw")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (overrides config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum agents shown (overrides config)")
	return cmd
}
