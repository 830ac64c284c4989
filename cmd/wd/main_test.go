package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ehrlich-b/wingdesk/internal/auth"
	"github.com/ehrlich-b/wingdesk/internal/session"
)

func TestHeadline(t *testing.T) {
	if got := headline("  fix the build\nand then the tests"); got != "fix the build" {
		t.Fatalf("headline = %q", got)
	}
	long := strings.Repeat("x", 60)
	got := headline(long)
	if n := len([]rune(got)); n != 48 || !strings.HasSuffix(got, "…") {
		t.Fatalf("headline of long line = %q (%d runes)", got, n)
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("short   text", "text", 80); got != "short text" {
		t.Fatalf("snippet = %q", got)
	}
	content := strings.Repeat("a ", 100) + "needle" + strings.Repeat(" b", 100)
	got := snippet(content, "NEEDLE", 40)
	if !strings.Contains(got, "needle") {
		t.Fatalf("snippet missing match: %q", got)
	}
	if !strings.HasPrefix(got, "…") || !strings.HasSuffix(got, "…") {
		t.Fatalf("snippet not elided on both sides: %q", got)
	}
}

func TestLoadAppCredential(t *testing.T) {
	dir := t.TempDir()
	g := &globalFlags{dir: dir, server: "http://example.test"}

	a, err := loadApp(g)
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()
	if a.cfg.Server != "http://example.test" {
		t.Fatalf("server = %q", a.cfg.Server)
	}
	if _, err := a.credential(); err == nil || !strings.Contains(err.Error(), "wd login") {
		t.Fatalf("expected login hint, got %v", err)
	}

	if err := a.creds.Save(auth.NewCredential("http://example.test", "tok", time.Now())); err != nil {
		t.Fatal(err)
	}
	c, err := a.credential()
	if err != nil {
		t.Fatal(err)
	}
	if c.Token != "tok" {
		t.Fatalf("token = %q", c.Token)
	}
	client, err := a.client()
	if err != nil {
		t.Fatal(err)
	}
	if client.Token() != "tok" {
		t.Fatalf("client token = %q", client.Token())
	}
}

func TestLoadAppWithoutServer(t *testing.T) {
	t.Setenv("WD_SERVER", "")
	a, err := loadApp(&globalFlags{dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer a.close()
	if _, err := a.server(); err == nil {
		t.Fatal("expected error without server")
	}
}

func TestReadLocal(t *testing.T) {
	p := filepath.Join(t.TempDir(), "notes.md")
	if err := os.WriteFile(p, []byte("# notes\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := readLocal([]string{p})
	if err != nil {
		t.Fatal(err)
	}
	if got != "# notes\n" {
		t.Fatalf("readLocal = %q", got)
	}
}

func TestFinishEdit(t *testing.T) {
	s := session.New(session.Options{})
	defer s.Close()
	ctx := context.Background()

	if err := finishEdit(ctx, s, "", true); err != nil {
		t.Fatalf("no focused file: %v", err)
	}

	if err := s.Artifacts().Open("notes/todo.md", "- ship"); err != nil {
		t.Fatal(err)
	}
	if err := finishEdit(ctx, s, "- ship", true); err != nil {
		t.Fatalf("unchanged file: %v", err)
	}

	if err := s.Artifacts().Edit("- ship\n- test"); err != nil {
		t.Fatal(err)
	}
	err := finishEdit(ctx, s, "- ship", true)
	if !errors.Is(err, session.ErrOffline) {
		t.Fatalf("save without api = %v, want ErrOffline", err)
	}
}
