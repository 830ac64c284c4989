package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"

	"github.com/go-resty/resty/v2"

	"github.com/ehrlich-b/wingdesk/internal/presence"
)

type Conversation struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	CumulativeTokens int64  `json:"cumulative_tokens,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

type FileItem struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ModTime     string `json:"mtime,omitempty"`
}

// SearchResult is one history hit.
type SearchResult struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Role           string `json:"role,omitempty"`
	Content        string `json:"content"`
}

// Login exchanges a password for a bearer token. The token is also set on c.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.sendJSON(ctx, resty.MethodPost, "/api/auth/login", nil, map[string]string{"password": password}, &out)
	if err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &Error{Reason: "login returned no token"}
	}
	c.SetToken(out.Token)
	return out.Token, nil
}

// Version fetches the latest published client version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/version.json", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.getJSON(ctx, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func conversationPath(id string, rest ...string) string {
	return path.Join(append([]string{"/api/conversations", url.PathEscape(id)}, rest...)...)
}

func (c *Client) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	if err := c.getJSON(ctx, conversationPath(conversationID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	var out Conversation
	err := c.sendJSON(ctx, resty.MethodPost, "/api/conversations", nil, map[string]string{"title": title}, &out)
	return out, err
}

func (c *Client) RenameConversation(ctx context.Context, id, title string) error {
	return c.sendJSON(ctx, resty.MethodPatch, conversationPath(id), nil, map[string]string{"title": title}, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.sendJSON(ctx, resty.MethodDelete, conversationPath(id), nil, nil, nil)
}

func (c *Client) ListFiles(ctx context.Context, dir string) ([]FileItem, error) {
	var out []FileItem
	if err := c.getJSON(ctx, "/api/files/list", map[string]string{"path": dir}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReadFile(ctx context.Context, p string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.getJSON(ctx, "/api/files/read", map[string]string{"path": p}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (c *Client) WriteFile(ctx context.Context, p, content string) error {
	body := map[string]string{"path": p, "content": content}
	return c.sendJSON(ctx, resty.MethodPost, "/api/files/write", nil, body, nil)
}

func (c *Client) DeleteFile(ctx context.Context, p string) error {
	return c.sendJSON(ctx, resty.MethodDelete, "/api/files/delete", map[string]string{"path": p}, nil, nil)
}

func (c *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	body := map[string]string{"oldPath": oldPath, "newPath": newPath}
	return c.sendJSON(ctx, resty.MethodPost, "/api/files/rename", nil, body, nil)
}

// UploadFile sends r as a multipart "file" field into targetDir.
func (c *Client) UploadFile(ctx context.Context, targetDir, name string, r io.Reader) error {
	req := c.request(ctx).
		SetQueryParam("path", targetDir).
		SetFileReader("file", name, r)
	_, err := c.do(ctx, req, resty.MethodPost, "/api/files/upload")
	return err
}

// DownloadFile streams the file at p into w.
func (c *Client) DownloadFile(ctx context.Context, p string, w io.Writer) (int64, error) {
	req := c.request(ctx).
		SetQueryParam("path", p).
		SetDoNotParseResponse(true)
	resp, err := c.do(ctx, req, resty.MethodGet, "/api/files/download")
	if resp != nil && resp.RawBody() != nil {
		defer resp.RawBody().Close()
	}
	if err != nil {
		var e *Error
		if resp != nil && resp.RawBody() != nil && errors.As(err, &e) {
			body, _ := io.ReadAll(io.LimitReader(resp.RawBody(), 64<<10))
			e.Reason = reasonFrom(body)
		}
		return 0, err
	}
	n, err := io.Copy(w, resp.RawBody())
	if err != nil {
		return n, fmt.Errorf("download %s: %w", p, err)
	}
	return n, nil
}

func (c *Client) Models(ctx context.Context) ([]Model, error) {
	var out []Model
	if err := c.getJSON(ctx, "/api/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Search queries message history. Queries shorter than two characters
// return nothing without a request.
func (c *Client) Search(ctx context.Context, q string) ([]SearchResult, error) {
	if len([]rune(q)) < 2 {
		return nil, nil
	}
	var out []SearchResult
	if err := c.getJSON(ctx, "/api/search", map[string]string{"q": q}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sessions lists agent sessions for presence.
func (c *Client) Sessions(ctx context.Context) ([]presence.RawSession, error) {
	var out struct {
		Sessions []presence.RawSession `json:"sessions"`
	}
	if err := c.getJSON(ctx, "/api/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

var _ presence.Source = (*Client)(nil)
