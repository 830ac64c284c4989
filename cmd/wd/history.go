package main

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingdesk/internal/chat"
	"github.com/ehrlich-b/wingdesk/internal/session"
	"github.com/ehrlich-b/wingdesk/internal/ui"
)

func historyCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse past conversations",
	}
	cmd.AddCommand(
		historyListCmd(g),
		historyShowCmd(g),
		historySearchCmd(g),
		historyRenameCmd(g),
		historyRmCmd(g),
	)
	return cmd
}

// withSession runs fn against an unconnected session; history calls only use
// the API client and the local cache.
func withSession(g *globalFlags, fn func(s *session.Session) error) error {
	a, err := loadApp(g)
	if err != nil {
		return err
	}
	defer a.close()
	s, _, err := a.session(session.Options{})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func historyListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(g, func(s *session.Session) error {
				list, err := s.Conversations(cmd.Context())
				if err != nil {
					if len(list) == 0 {
						return err
					}
					stderrf("server unavailable (%v); showing cached list\n", err)
				}
				for _, c := range list {
					when := ""
					if t, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil {
						when = humanize.Time(t)
					}
					fmt.Printf("%-36s  %-14s  %8s tok  %s\n", c.ID, when, humanize.Comma(c.CumulativeTokens), c.Title)
				}
				return nil
			})
		},
	}
}

func historyShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(g, func(s *session.Session) error {
				if err := s.SelectConversation(cmd.Context(), chat.Conversation{ID: args[0]}); err != nil {
					return err
				}
				v := s.Chat().Snapshot(args[0])
				if len(v.Messages) == 0 {
					fmt.Println("(empty)")
					return nil
				}
				fmt.Println(ui.NewRenderer(ui.DefaultTheme()).Transcript(v))
				return nil
			})
		},
	}
}

func historySearchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search message history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := strings.Join(args, " ")
			if len([]rune(q)) < 2 {
				return fmt.Errorf("query must be at least 2 characters")
			}
			return withSession(g, func(s *session.Session) error {
				hits, err := s.Search(cmd.Context(), q)
				if err != nil {
					if len(hits) == 0 {
						return err
					}
					stderrf("server unavailable (%v); searched local cache\n", err)
				}
				for _, h := range hits {
					fmt.Printf("%s  %-9s  %s\n", h.ConversationID, h.Role, snippet(h.Content, q, 80))
				}
				return nil
			})
		},
	}
}

// snippet returns up to width runes of content around the first match of q.
func snippet(content, q string, width int) string {
	content = strings.Join(strings.Fields(content), " ")
	r := []rune(content)
	if len(r) <= width {
		return content
	}
	start := 0
	lower := strings.ToLower(content)
	if i := strings.Index(lower, strings.ToLower(q)); i >= 0 {
		start = min(max(utf8.RuneCountInString(lower[:i])-width/4, 0), len(r))
	}
	end := min(start+width, len(r))
	out := string(r[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(r) {
		out += "…"
	}
	return out
}

func historyRenameCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(g, func(s *session.Session) error {
				return s.RenameConversation(cmd.Context(), args[0], strings.Join(args[1:], " "))
			})
		},
	}
}

func historyRmCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(g, func(s *session.Session) error {
				return s.DeleteConversation(cmd.Context(), args[0])
			})
		},
	}
}
