package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/api"
	"github.com/ehrlich-b/wingdesk/internal/chat"
	"github.com/ehrlich-b/wingdesk/internal/store"
)

// ErrOffline is returned when an operation needs the API client and none is
// configured.
var ErrOffline = errors.New("no api client configured")

// settled caches a final message and passes it on. Runs outside the chat lock.
func (s *Session) settled(conversationID string, m chat.Message) {
	s.persist(conversationID, m)
	if s.onSettled != nil {
		s.onSettled(conversationID, m)
	}
}

func (s *Session) persist(conversationID string, m chat.Message) {
	if s.store == nil {
		return
	}
	err := s.store.SaveMessage(&store.Message{
		ID:             m.ID,
		ConversationID: conversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		State:          m.State.String(),
		CreatedAt:      m.CreatedAt,
	})
	if err != nil {
		s.log.Warn("cache message", zap.String("conversation", conversationID), zap.Error(err))
	}
}

func parseTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

func fromAPI(msgs []api.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chat.Message{
			ID:        m.ID,
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			CreatedAt: parseTime(m.CreatedAt),
		})
	}
	return out
}

func fromStore(msgs []*store.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chat.Message{
			ID:        m.ID,
			Role:      chat.Role(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

// Conversations lists conversations from the server and refreshes the cache.
// When the server is unreachable the cached list is returned with the error.
func (s *Session) Conversations(ctx context.Context) ([]api.Conversation, error) {
	if s.api == nil {
		return s.cachedConversations(ErrOffline)
	}
	list, err := s.api.ListConversations(ctx)
	if err != nil {
		return s.cachedConversations(err)
	}
	if s.store != nil {
		for _, c := range list {
			created := parseTime(c.CreatedAt)
			if err := s.store.UpsertConversation(&store.Conversation{
				ID:               c.ID,
				Title:            c.Title,
				CumulativeTokens: c.CumulativeTokens,
				CreatedAt:        created,
				UpdatedAt:        created,
			}); err != nil {
				s.log.Warn("cache conversation", zap.String("id", c.ID), zap.Error(err))
			}
		}
	}
	return list, nil
}

func (s *Session) cachedConversations(cause error) ([]api.Conversation, error) {
	if s.store == nil {
		return nil, cause
	}
	cached, err := s.store.ListConversations()
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	out := make([]api.Conversation, 0, len(cached))
	for _, c := range cached {
		out = append(out, api.Conversation{
			ID:               c.ID,
			Title:            c.Title,
			CumulativeTokens: c.CumulativeTokens,
			CreatedAt:        c.CreatedAt.Format(time.RFC3339),
		})
	}
	return out, cause
}

// SelectConversation makes conv active and loads its history, preferring the
// server and falling back to the cache.
func (s *Session) SelectConversation(ctx context.Context, conv chat.Conversation) error {
	s.chat.SetActive(conv)

	if s.api != nil {
		msgs, err := s.api.Messages(ctx, conv.ID)
		if err == nil {
			s.cacheHistory(conv.ID, msgs)
			return s.chat.LoadMessages(conv.ID, fromAPI(msgs))
		}
		if s.store == nil {
			return err
		}
		s.log.Warn("load history from server; using cache", zap.String("conversation", conv.ID), zap.Error(err))
	}
	if s.store == nil {
		return nil
	}
	cached, err := s.store.Messages(conv.ID)
	if err != nil {
		return err
	}
	return s.chat.LoadMessages(conv.ID, fromStore(cached))
}

func (s *Session) cacheHistory(conversationID string, msgs []api.Message) {
	if s.store == nil {
		return
	}
	rows := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, &store.Message{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: parseTime(m.CreatedAt),
		})
	}
	if err := s.store.ReplaceMessages(conversationID, rows); err != nil {
		s.log.Warn("cache history", zap.String("conversation", conversationID), zap.Error(err))
	}
}

// NewConversation creates a conversation on the server and selects it.
func (s *Session) NewConversation(ctx context.Context, title string) (api.Conversation, error) {
	if s.api == nil {
		return api.Conversation{}, ErrOffline
	}
	c, err := s.api.CreateConversation(ctx, title)
	if err != nil {
		return c, err
	}
	s.chat.SetActive(chat.Conversation{ID: c.ID, Title: c.Title, CumulativeTokens: c.CumulativeTokens})
	if s.store != nil {
		now := time.Now()
		if err := s.store.UpsertConversation(&store.Conversation{ID: c.ID, Title: c.Title, CreatedAt: now, UpdatedAt: now}); err != nil {
			s.log.Warn("cache conversation", zap.String("id", c.ID), zap.Error(err))
		}
	}
	return c, nil
}

func (s *Session) RenameConversation(ctx context.Context, id, title string) error {
	if s.api == nil {
		return ErrOffline
	}
	if err := s.api.RenameConversation(ctx, id, title); err != nil {
		return err
	}
	if s.store != nil {
		if c, err := s.store.GetConversation(id); err == nil && c != nil {
			c.Title = title
			c.UpdatedAt = time.Now()
			if err := s.store.UpsertConversation(c); err != nil {
				s.log.Warn("cache rename", zap.String("id", id), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Session) DeleteConversation(ctx context.Context, id string) error {
	if s.api == nil {
		return ErrOffline
	}
	if err := s.api.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.DeleteConversation(id); err != nil {
			s.log.Warn("cache delete", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// Search queries server history. When the server is unreachable the local
// cache is searched instead and the server error is returned alongside.
func (s *Session) Search(ctx context.Context, q string) ([]api.SearchResult, error) {
	var cause error = ErrOffline
	if s.api != nil {
		hits, err := s.api.Search(ctx, q)
		if err == nil {
			return hits, nil
		}
		cause = err
	}
	if s.store == nil || len([]rune(q)) < 2 {
		return nil, cause
	}
	cached, err := s.store.Search(q, 50)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	out := make([]api.SearchResult, 0, len(cached))
	for _, m := range cached {
		out = append(out, api.SearchResult{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Role:           m.Role,
			Content:        m.Content,
		})
	}
	return out, cause
}
