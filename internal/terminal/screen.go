package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

const DefaultScrollback = 10000

// Screen is a headless Surface backed by a vt emulator. Lines scrolled off
// the top are kept in a ring, except while the alternate screen is active.
// Emulator callbacks fire inside Write, so mu is already held there.
type Screen struct {
	emu *vt.Emulator

	mu           sync.Mutex
	ring         []string
	head, size   int
	altScreen    bool
	cursorHidden bool
	geo          Geometry
	closed       bool
}

// NewScreen creates a screen of the given geometry keeping up to scrollback
// lines of history. scrollback <= 0 uses DefaultScrollback.
func NewScreen(cols, rows, scrollback int) *Screen {
	if scrollback <= 0 {
		scrollback = DefaultScrollback
	}
	s := &Screen{
		emu:  vt.NewEmulator(cols, rows),
		ring: make([]string, scrollback),
		geo:  Geometry{Cols: cols, Rows: rows},
	}
	s.emu.SetCallbacks(vt.Callbacks{
		ScrollOut:        s.scrollOut,
		ScrollbackClear:  s.clearScrollback,
		AltScreen:        func(on bool) { s.altScreen = on },
		CursorVisibility: func(visible bool) { s.cursorHidden = !visible },
	})
	return s
}

func (s *Screen) scrollOut(lines []uv.Line) {
	if s.altScreen {
		return
	}
	for _, line := range lines {
		s.ring[s.head] = line.Render()
		s.head = (s.head + 1) % len(s.ring)
		if s.size < len(s.ring) {
			s.size++
		}
	}
}

func (s *Screen) clearScrollback() {
	clear(s.ring)
	s.head, s.size = 0, 0
}

func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	return s.emu.Write(p)
}

func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (cols == s.geo.Cols && rows == s.geo.Rows) {
		return
	}
	s.emu.Resize(cols, rows)
	s.geo = Geometry{Cols: cols, Rows: rows}
}

func (s *Screen) Geometry() Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geo
}

// Scrollback returns the captured history, oldest first.
func (s *Screen) Scrollback() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrollback()
}

func (s *Screen) scrollback() []string {
	if s.size == 0 {
		return nil
	}
	out := make([]string, s.size)
	start := (s.head - s.size + len(s.ring)) % len(s.ring)
	for i := range s.size {
		out[i] = s.ring[(start+i)%len(s.ring)]
	}
	return out
}

// Text returns the visible grid as rendered ANSI.
func (s *Screen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Render()
}

// Dump renders history, grid and cursor as ANSI that any terminal can replay.
func (s *Screen) Dump() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	for _, line := range s.scrollback() {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\x1b[m\x1b[H")
	b.WriteString(s.emu.Render())

	pos := s.emu.CursorPosition()
	fmt.Fprintf(&b, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if s.cursorHidden {
		b.WriteString("\x1b[?25l")
	} else {
		b.WriteString("\x1b[?25h")
	}
	return []byte(b.String())
}

func (s *Screen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.emu.Close()
}

// WriterSurface renders straight to an io.Writer such as the local tty.
// Close does not close the writer.
type WriterSurface struct {
	W io.Writer
}

func (w WriterSurface) Write(p []byte) (int, error) { return w.W.Write(p) }

func (WriterSurface) Close() error { return nil }
