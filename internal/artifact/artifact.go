// Package artifact tracks the file being viewed or generated in the editor pane.
//
// Two producers feed it: start/stream (token-by-token generation, appended)
// and update (full-file push, replaced wholesale). Binary and database files
// are never admitted.
package artifact

import (
	"errors"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ehrlich-b/wingdesk/internal/logger"
)

var (
	ErrExcluded   = errors.New("file type is excluded from the editor")
	ErrOtherFocus = errors.New("another file is focused")
	ErrNoFocus    = errors.New("no file is focused")
	ErrStale      = errors.New("no stream open for this file in this epoch")
)

var excludedSuffixes = []string{".db", ".sqlite", ".wal", ".shm"}

// Excluded reports whether p names a database or write-ahead file.
func Excluded(p string) bool {
	lower := strings.ToLower(p)
	for _, s := range excludedSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Buffer is a copy of one file's editor state.
type Buffer struct {
	Path        string
	Content     string
	Focused     bool
	Streaming   bool
	Interrupted bool
	Dirty       bool
}

// Name is the file's base name, for display.
func (b Buffer) Name() string {
	return path.Base(b.Path)
}

type buffer struct {
	content     strings.Builder
	epoch       uint64 // connection epoch of the open stream
	streaming   bool
	interrupted bool
	dirty       bool
}

func (b *buffer) reset(content string) {
	b.content.Reset()
	b.content.WriteString(content)
}

type Reconciler struct {
	log *zap.Logger

	mu      sync.Mutex
	focused string
	buffers map[string]*buffer
}

func New(log *zap.Logger) *Reconciler {
	return &Reconciler{
		log:     logger.OrNop(log).Named("artifact"),
		buffers: make(map[string]*buffer),
	}
}

func (r *Reconciler) buffer(p string) *buffer {
	b, ok := r.buffers[p]
	if !ok {
		b = &buffer{}
		r.buffers[p] = b
	}
	return b
}

// prune drops buffers that are neither focused nor still streaming.
func (r *Reconciler) prune() {
	for p, b := range r.buffers {
		if p != r.focused && !b.streaming {
			delete(r.buffers, p)
		}
	}
}

func (r *Reconciler) excluded(op, p string) bool {
	if Excluded(p) {
		r.log.Debug("ignoring excluded file", zap.String("op", op), zap.String("path", p))
		return true
	}
	return false
}

// OnStart resets the buffer for p, focuses it and opens a stream owned by
// epoch.
func (r *Reconciler) OnStart(p string, epoch uint64) error {
	if r.excluded("start", p) {
		return ErrExcluded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffer(p)
	b.reset("")
	b.epoch = epoch
	b.streaming = true
	b.interrupted = false
	b.dirty = false
	r.focused = p
	r.prune()
	return nil
}

// OnStreamToken appends token to p's buffer regardless of focus. Tokens for a
// stream that was never started, has ended, or belongs to another epoch are
// rejected with ErrStale; interrupted content is never extended.
func (r *Reconciler) OnStreamToken(p, token string, epoch uint64) error {
	if r.excluded("stream", p) {
		return ErrExcluded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[p]
	if !ok || !b.streaming || b.epoch != epoch {
		return ErrStale
	}
	b.content.WriteString(token)
	return nil
}

// OnUpdate replaces p's content wholesale and focuses p, unless a different
// file is focused, in which case the update is dropped.
func (r *Reconciler) OnUpdate(p, content string) error {
	if r.excluded("update", p) {
		return ErrExcluded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focused != "" && r.focused != p {
		r.log.Debug("ignoring update for unfocused file", zap.String("path", p), zap.String("focused", r.focused))
		return ErrOtherFocus
	}
	b := r.buffer(p)
	b.reset(content)
	b.dirty = false
	r.focused = p
	return nil
}

// OnComplete clears streaming for the focused file only.
func (r *Reconciler) OnComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[r.focused]; ok {
		b.streaming = false
	}
}

// Interrupt ends every streaming buffer and flags it interrupted. The
// content already received is kept but never completed.
func (r *Reconciler) Interrupt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.buffers {
		if b.streaming {
			b.streaming = false
			b.interrupted = true
			n++
		}
	}
	return n
}

// Open seeds the focused buffer from a completed file read.
func (r *Reconciler) Open(p, content string) error {
	if r.excluded("open", p) {
		return ErrExcluded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buffer(p)
	if b.streaming {
		// a generation is writing this file; its tokens win over a stale read
		r.focused = p
		r.prune()
		return nil
	}
	b.reset(content)
	b.interrupted = false
	b.dirty = false
	r.focused = p
	r.prune()
	return nil
}

// Focus moves focus to p without touching content.
func (r *Reconciler) Focus(p string) error {
	if r.excluded("focus", p) {
		return ErrExcluded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer(p)
	r.focused = p
	r.prune()
	return nil
}

// Close clears focus, as when the pane is closed.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focused = ""
	r.prune()
}

// Edit replaces the focused buffer with user-typed content.
func (r *Reconciler) Edit(content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[r.focused]
	if r.focused == "" || !ok {
		return ErrNoFocus
	}
	b.reset(content)
	b.dirty = true
	return nil
}

// MarkSaved clears the dirty flag after a successful write of p.
func (r *Reconciler) MarkSaved(p string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[p]; ok {
		b.dirty = false
	}
}

// Focused returns the focused buffer.
func (r *Reconciler) Focused() (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focused == "" {
		return Buffer{}, false
	}
	return r.snapshot(r.focused), true
}

// Get returns the buffer for p, if one exists.
func (r *Reconciler) Get(p string) (Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[p]; !ok {
		return Buffer{}, false
	}
	return r.snapshot(p), true
}

// Buffers returns every live buffer.
func (r *Reconciler) Buffers() []Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Buffer, 0, len(r.buffers))
	for p := range r.buffers {
		out = append(out, r.snapshot(p))
	}
	return out
}

func (r *Reconciler) snapshot(p string) Buffer {
	b := r.buffers[p]
	return Buffer{
		Path:        p,
		Content:     b.content.String(),
		Focused:     p == r.focused,
		Streaming:   b.streaming,
		Interrupted: b.interrupted,
		Dirty:       b.dirty,
	}
}
