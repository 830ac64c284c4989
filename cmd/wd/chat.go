package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingdesk/internal/chat"
	"github.com/ehrlich-b/wingdesk/internal/session"
	"github.com/ehrlich-b/wingdesk/internal/ui"
)

func chatCmd(g *globalFlags) *cobra.Command {
	var (
		message      string
		conversation string
		newTitle     string
		model        string
		edit         string
		save         bool
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant",
		Long: `Opens the interactive chat view, or with -m sends one message and prints the reply.

With --edit the file is opened first and every message asks the assistant to
stream its changes into it. With -m the edited file is printed after the
reply, or written back with --save.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g)
			if err != nil {
				return err
			}
			defer a.close()

			serverErrs := make(chan string, 8)
			replies := make(chan settledReply, 8)
			s, cred, err := a.session(session.Options{
				OnServerError: func(msg string) {
					select {
					case serverErrs <- msg:
					default:
					}
				},
				OnSettled: func(conv string, m chat.Message) {
					if m.Role != chat.RoleAssistant {
						return
					}
					select {
					case replies <- settledReply{conv, m}:
					default:
					}
				},
			})
			if err != nil {
				return err
			}
			defer s.Close()
			if model != "" {
				s.Chat().SetModel(model)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if _, err := a.connect(ctx, s, cred, 15*time.Second); err != nil {
				return err
			}

			title := newTitle
			if title == "" && message != "" && conversation == "" {
				title = headline(message)
			}
			if err := pickConversation(ctx, s, conversation, title); err != nil {
				return err
			}

			var original string
			if edit != "" {
				b, err := s.OpenFile(ctx, edit)
				if err != nil {
					return fmt.Errorf("open %s: %w", edit, err)
				}
				original = b.Content
			}

			if message != "" {
				if err := sendOnce(ctx, s, message, timeout, replies, serverErrs); err != nil {
					return err
				}
				if edit != "" {
					return finishEdit(ctx, s, original, save)
				}
				return nil
			}

			go a.watchEndpoint(ctx, s)
			m := ui.NewChatModel(ui.ChatOptions{
				View: func() chat.View { return s.Chat().Snapshot(s.Chat().Active()) },
				Send: func(text string) error {
					sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
					defer scancel()
					return s.Send(sctx, text, s.EditContext())
				},
				State:    func() string { return s.State().String() },
				Artifact: s.Artifacts().Focused,
				Save: func() error {
					sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
					defer scancel()
					_, err := s.SaveFile(sctx)
					return err
				},
			})
			_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and print the reply")
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "conversation id to continue")
	cmd.Flags().StringVar(&newTitle, "new", "", "start a new conversation with this title")
	cmd.Flags().StringVar(&model, "model", "", "model to request (overrides config)")
	cmd.Flags().StringVar(&edit, "edit", "", "open this file and let the assistant edit it live")
	cmd.Flags().BoolVar(&save, "save", false, "with -m and --edit, write the edited file back instead of printing it")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for a reply with -m")
	return cmd
}

// pickConversation selects id, creates a conversation titled title, or
// resumes the most recent one, in that order of preference.
func pickConversation(ctx context.Context, s *session.Session, id, title string) error {
	switch {
	case id != "":
		return s.SelectConversation(ctx, chat.Conversation{ID: id})
	case title != "":
		_, err := s.NewConversation(ctx, title)
		return err
	}
	list, err := s.Conversations(ctx)
	if len(list) > 0 {
		c := list[0]
		return s.SelectConversation(ctx, chat.Conversation{ID: c.ID, Title: c.Title, CumulativeTokens: c.CumulativeTokens})
	}
	if err != nil && !errors.Is(err, session.ErrOffline) {
		return err
	}
	_, err = s.NewConversation(ctx, "New conversation")
	return err
}

type settledReply struct {
	conversationID string
	msg            chat.Message
}

// sendOnce posts text and blocks until the reply is sealed or interrupted.
// replies carries every assistant message the session settles.
func sendOnce(ctx context.Context, s *session.Session, text string, timeout time.Duration, replies <-chan settledReply, serverErrs <-chan string) error {
	conv := s.Chat().Active()
	if err := s.Send(ctx, text, s.EditContext()); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for reply: %w", ctx.Err())
		case msg := <-serverErrs:
			return fmt.Errorf("server: %s", msg)
		case r := <-replies:
			if r.conversationID != conv {
				continue
			}
			fmt.Println(r.msg.Content)
			if r.msg.State == chat.StateInterrupted {
				return errors.New("reply interrupted")
			}
			return nil
		}
	}
}

// finishEdit prints the edited file, or saves it when save is set. A file
// the reply left untouched is neither printed nor saved.
func finishEdit(ctx context.Context, s *session.Session, original string, save bool) error {
	b, ok := s.Artifacts().Focused()
	if !ok {
		return nil
	}
	if b.Content == original {
		stderrf("%s unchanged\n", b.Path)
		return nil
	}
	if !save {
		fmt.Print(b.Content)
		return nil
	}
	if _, err := s.SaveFile(ctx); err != nil {
		return fmt.Errorf("save %s: %w", b.Path, err)
	}
	stderrf("saved %s (%s)\n", b.Path, humanize.Bytes(uint64(len(b.Content))))
	return nil
}

// headline makes a conversation title from the first line of text.
func headline(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	r := []rune(line)
	if len(r) > 48 {
		return string(r[:47]) + "…"
	}
	return line
}
