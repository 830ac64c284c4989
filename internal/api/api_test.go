package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, Token: "tok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLoginSetsToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "hunter2" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": "new-token"})
	})
	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer new-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []Model{{ID: "m1", Name: "One", Provider: "p"}})
	})
	c := newServer(t, mux)

	_, err := c.Login(context.Background(), "wrong")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid password", apiErr.Reason)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))

	tok, err := c.Login(context.Background(), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "new-token", tok)
	assert.Equal(t, "new-token", c.Token())

	models, err := c.Models(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Model{{ID: "m1", Name: "One", Provider: "p"}}, models)
}

func TestErrorFallbackReason(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<html>oops</html>", http.StatusInternalServerError)
	})
	c := newServer(t, mux)

	_, err := c.ListConversations(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, FallbackReason, apiErr.Reason)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestNoRetry(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newServer(t, mux)
	_, err := c.Models(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	srv.Close()
	c := New(Options{BaseURL: srv.URL})
	_, err := c.Version(context.Background())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 0, apiErr.Status)
	assert.Equal(t, FallbackReason, apiErr.Error())
}

func TestConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []Conversation{{ID: "c1", Title: "First", CumulativeTokens: 1200}})
	})
	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.PathValue("id"))
		writeJSON(w, http.StatusOK, []Message{
			{ID: "m1", Role: "user", Content: "hi", CreatedAt: "2026-01-01T00:00:00Z"},
			{ID: "m2", Role: "assistant", Content: "hello"},
		})
	})
	mux.HandleFunc("POST /api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Conversation{ID: "c2", Title: "New"})
	})
	var renamed, deleted string
	mux.HandleFunc("PATCH /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		renamed = r.PathValue("id") + "=" + body["title"]
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("DELETE /api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted = r.PathValue("id")
		w.WriteHeader(http.StatusOK)
	})
	c := newServer(t, mux)
	ctx := context.Background()

	convs, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, int64(1200), convs[0].CumulativeTokens)

	msgs, err := c.Messages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	conv, err := c.CreateConversation(ctx, "New")
	require.NoError(t, err)
	assert.Equal(t, "c2", conv.ID)

	require.NoError(t, c.RenameConversation(ctx, "c1", "Renamed"))
	assert.Equal(t, "c1=Renamed", renamed)
	require.NoError(t, c.DeleteConversation(ctx, "c1"))
	assert.Equal(t, "c1", deleted)
}

func TestFiles(t *testing.T) {
	files := map[string]string{"/w/a.go": "package a"}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/files/list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/w", r.URL.Query().Get("path"))
		writeJSON(w, http.StatusOK, []FileItem{{Name: "a.go", Path: "/w/a.go", Size: 9}})
	})
	mux.HandleFunc("GET /api/files/read", func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Query().Get("path")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "File not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"content": content})
	})
	mux.HandleFunc("POST /api/files/write", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		files[body["path"]] = body["content"]
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	})
	mux.HandleFunc("POST /api/files/rename", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		files[body["newPath"]] = files[body["oldPath"]]
		delete(files, body["oldPath"])
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /api/files/delete", func(w http.ResponseWriter, r *http.Request) {
		delete(files, r.URL.Query().Get("path"))
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/files/upload", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		files[r.URL.Query().Get("path")+"/"+hdr.Filename] = string(data)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/files/download", func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Query().Get("path")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "File not found"})
			return
		}
		_, _ = io.WriteString(w, content)
	})
	c := newServer(t, mux)
	ctx := context.Background()

	items, err := c.ListFiles(ctx, "/w")
	require.NoError(t, err)
	assert.Equal(t, "a.go", items[0].Name)

	content, err := c.ReadFile(ctx, "/w/a.go")
	require.NoError(t, err)
	assert.Equal(t, "package a", content)

	_, err = c.ReadFile(ctx, "/w/missing.go")
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "File not found")

	require.NoError(t, c.WriteFile(ctx, "/w/b.go", "package b"))
	require.NoError(t, c.RenameFile(ctx, "/w/b.go", "/w/c.go"))
	require.NoError(t, c.UploadFile(ctx, "/w", "d.txt", strings.NewReader("uploaded")))
	assert.Equal(t, "uploaded", files["/w/d.txt"])

	var buf bytes.Buffer
	n, err := c.DownloadFile(ctx, "/w/c.go", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("package b")), n)
	assert.Equal(t, "package b", buf.String())

	_, err = c.DownloadFile(ctx, "/w/nope", &buf)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "File not found", apiErr.Reason)

	require.NoError(t, c.DeleteFile(ctx, "/w/c.go"))
	_, ok := files["/w/c.go"]
	assert.False(t, ok)
}

func TestSearch(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "deploy & test", r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, []SearchResult{{ConversationID: "c1", Content: "deploy & test it"}})
	})
	c := newServer(t, mux)

	res, err := c.Search(context.Background(), "d")
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, int32(0), hits.Load())

	res, err = c.Search(context.Background(), "deploy & test")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "c1", res[0].ConversationID)
}

func TestSessionsAndVersion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"sessions":[{"key":"agent:main:infrastructure:w1","ageMs":5000,"sessionId":"s1","model":"m"}]}`)
	})
	mux.HandleFunc("GET /version.json", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": "1.4.2"})
	})
	c := newServer(t, mux)

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, int64(5000), sessions[0].AgeMs)

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", v)
}

func TestRateLimitHonoursContext(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []Model{})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	c := New(Options{BaseURL: srv.URL, RPS: 0.001, Burst: 1})

	_, err := c.Models(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Models(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
