package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ehrlich-b/wingdesk/internal/session"
	"github.com/ehrlich-b/wingdesk/internal/terminal"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

// detachKey (ctrl+]) ends an interactive terminal session.
const detachKey = 0x1d

func termCmd(g *globalFlags) *cobra.Command {
	var (
		headless bool
		ansi     bool
		input    string
		wait     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "term",
		Short: "Attach to the server's terminal (ctrl+] to detach)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			s, cred, err := a.session(session.Options{})
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if _, err := a.connect(ctx, s, cred, 15*time.Second); err != nil {
				return err
			}

			fd := int(os.Stdin.Fd())
			cols, rows := 80, 24
			if !headless && term.IsTerminal(fd) {
				if w, h, err := term.GetSize(fd); err == nil {
					cols, rows = w, h
				}
			}

			if headless {
				return runHeadless(ctx, a, s, cols, rows, input, wait, ansi)
			}

			ch, err := s.AttachTerminal(ctx, terminal.WriterSurface{W: os.Stdout}, cols, rows)
			if err != nil {
				return fmt.Errorf("attach terminal: %w", err)
			}
			defer s.DetachTerminal()
			go a.watchEndpoint(ctx, s)

			if term.IsTerminal(fd) {
				oldState, err := term.MakeRaw(fd)
				if err == nil {
					defer term.Restore(fd, oldState)
				}
			}

			winchCh := make(chan os.Signal, 1)
			signal.Notify(winchCh, syscall.SIGWINCH)
			defer signal.Stop(winchCh)
			go func() {
				for range winchCh {
					if w, h, err := term.GetSize(fd); err == nil {
						if err := ch.Resize(ctx, w, h); err != nil {
							a.log.Debug("terminal resize", zap.Error(err))
						}
					}
				}
			}()

			done := make(chan struct{})
			go func() {
				defer close(done)
				buf := make([]byte, 4096)
				for {
					n, err := os.Stdin.Read(buf)
					if n > 0 {
						data := buf[:n]
						if i := bytes.IndexByte(data, detachKey); i >= 0 {
							if i > 0 {
								ch.Input(ctx, bytes.Clone(data[:i]))
							}
							return
						}
						if err := ch.Input(ctx, bytes.Clone(data)); err != nil && !errors.Is(err, ws.ErrNotConnected) {
							a.log.Debug("terminal input", zap.Error(err))
						}
					}
					if err != nil {
						return
					}
				}
			}()

			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "render into an off-screen buffer and print it")
	cmd.Flags().BoolVar(&ansi, "ansi", false, "with --headless, print the screen as replayable ANSI")
	cmd.Flags().StringVar(&input, "input", "", "with --headless, type this before capturing")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "with --headless, how long to collect output")
	return cmd
}

// runHeadless mounts an emulated screen, optionally types input, and prints
// what the screen shows after wait.
func runHeadless(ctx context.Context, a *app, s sessionTerminal, cols, rows int, input string, wait time.Duration, ansi bool) error {
	screen := terminal.NewScreen(cols, rows, 1000)
	ch, err := s.AttachTerminal(ctx, screen, cols, rows)
	if err != nil {
		return fmt.Errorf("attach terminal: %w", err)
	}
	defer s.DetachTerminal()

	if input != "" {
		if err := ch.Input(ctx, []byte(input)); err != nil {
			return fmt.Errorf("send input: %w", err)
		}
	}
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}
	a.log.Debug("headless capture", zap.Stringer("geometry", screen.Geometry()))
	if ansi {
		_, err = os.Stdout.Write(screen.Dump())
		return err
	}
	_, err = fmt.Println(screen.Text())
	return err
}

type sessionTerminal interface {
	AttachTerminal(ctx context.Context, surface terminal.Surface, cols, rows int) (*terminal.Channel, error)
	DetachTerminal() error
}
