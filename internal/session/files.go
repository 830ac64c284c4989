package session

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/wingdesk/internal/artifact"
	"github.com/ehrlich-b/wingdesk/internal/ws"
)

// OpenFile reads p from the server and focuses it in the editor.
func (s *Session) OpenFile(ctx context.Context, p string) (artifact.Buffer, error) {
	if artifact.Excluded(p) {
		return artifact.Buffer{}, artifact.ErrExcluded
	}
	if s.api == nil {
		return artifact.Buffer{}, ErrOffline
	}
	content, err := s.api.ReadFile(ctx, p)
	if err != nil {
		return artifact.Buffer{}, err
	}
	if err := s.artifacts.Open(p, content); err != nil {
		return artifact.Buffer{}, err
	}
	b, _ := s.artifacts.Get(p)
	return b, nil
}

// SaveFile writes the focused buffer back to the server.
func (s *Session) SaveFile(ctx context.Context) (artifact.Buffer, error) {
	b, ok := s.artifacts.Focused()
	if !ok {
		return artifact.Buffer{}, artifact.ErrNoFocus
	}
	if b.Streaming {
		return b, fmt.Errorf("save %s: still being generated", b.Path)
	}
	if s.api == nil {
		return b, ErrOffline
	}
	if err := s.api.WriteFile(ctx, b.Path, b.Content); err != nil {
		return b, err
	}
	s.artifacts.MarkSaved(b.Path)
	b.Dirty = false
	return b, nil
}

// EditContext describes the focused buffer for a live-edit request, or nil
// when nothing is focused.
func (s *Session) EditContext() *ws.EditContext {
	b, ok := s.artifacts.Focused()
	if !ok {
		return nil
	}
	return &ws.EditContext{ActiveFile: b.Path, Mode: ws.ModeLiveEdit}
}
