// Package presence turns polled agent session lists into a small, ranked set
// of named nodes.
//
// Each poll is a complete replacement: nothing is merged across polls.
package presence

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMax      = 8
	ActiveWindow    = 120 * time.Second
	StaleAfter      = 24 * time.Hour
	DefaultInterval = 10 * time.Second
)

type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusError  Status = "error"
)

// RawSession is one entry of the agents listing as the server reports it.
type RawSession struct {
	Key            string `json:"key"`
	DisplayName    string `json:"displayName,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	ID             string `json:"id,omitempty"`
	AgeMs          int64  `json:"ageMs,omitempty"`
	UpdatedAt      int64  `json:"updatedAt,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`
	Model          string `json:"model,omitempty"`
}

// Record is one derived presence node.
type Record struct {
	Key      string
	ID       string
	Name     string
	Label    string
	Type     string
	Status   Status
	Age      time.Duration
	AgeKnown bool
	Model    string
	LastTask string
}

// fleet maps keywords found in a session key or label to node names. Order
// matters: the first keyword contained wins.
var fleet = []struct{ keyword, name string }{
	{"infrastructure", "Nova"},
	{"ui", "Luna"},
	{"research", "Atlas"},
	{"security", "Orion"},
	{"hub-chat-final-polish", "Orion"},
	{"hub-chat-agents-and-fixes", "Luna"},
	{"hub-chat-week-1", "Nova"},
	{"hub-chat-completion-ph3-ph4", "Nova"},
	{"hub-chat-ui-ux-cleanup", "Luna"},
	{"hub-chat-final-audit", "Orion"},
	{"minimax-bunny-analysis", "Atlas"},
	{"hub-chat-file-features-and-cleanup", "Nova"},
	{"subagent", "Sub-Agent"},
}

const hubName = "Cody"

var (
	genericLabels = []string{"agent", "unknown", "direct", "group", "main", "subagent", "channel"}
	genericTypes  = []string{"agent", "unknown", "direct", "group"}
	housekeeping  = []string{"cron", "heartbeat"}
	hiddenChannel = "discord"
)

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

// DeriveName picks a display name for a session, taking the first of: a
// fleet keyword in key or label, the hub, a specific label, a specific type,
// a channel kind, and finally a name built from the id.
func DeriveName(key, label, typ, id string) string {
	lkey := strings.ToLower(key)
	llabel := strings.ToLower(label)

	for _, f := range fleet {
		if strings.Contains(lkey, f.keyword) || strings.Contains(llabel, f.keyword) {
			return f.name
		}
	}

	if lkey == "agent:main:main" || lkey == "main" || strings.Contains(lkey, "hub") {
		return hubName
	}

	if label != "" && !slices.Contains(genericLabels, llabel) {
		return capitalize(label)
	}

	if typ != "" && !slices.Contains(genericTypes, strings.ToLower(typ)) {
		return capitalize(typ)
	}

	if typ == "group" || strings.Contains(lkey, "discord") {
		return "Discord Node"
	}
	if typ == "direct" || strings.Contains(lkey, "whatsapp") {
		return "Direct Node"
	}

	if id == "" {
		id = "????"
	}
	short := id
	if utf8.RuneCountInString(id) > 4 {
		short = string([]rune(id)[:4])
	}
	return fmt.Sprintf("Node [%s]", short)
}

// age is the session's time since last update. A session reporting neither
// ageMs nor updatedAt has no known age.
func age(s RawSession, now time.Time) (time.Duration, bool) {
	if s.AgeMs != 0 {
		return time.Duration(s.AgeMs) * time.Millisecond, true
	}
	if s.UpdatedAt != 0 {
		return now.Sub(time.UnixMilli(s.UpdatedAt)), true
	}
	return 0, false
}

// Derive maps one raw session to a record without filtering.
func Derive(s RawSession, now time.Time) Record {
	parts := strings.Split(s.Key, ":")
	typ := "agent"
	if len(parts) > 2 && parts[2] != "" {
		typ = parts[2]
	}
	label := s.DisplayName
	if label == "" && len(parts) > 3 {
		label = parts[3]
	}
	if label == "" {
		label = typ
	}
	id := cmp.Or(s.SessionID, s.ID, "unknown")

	a, known := age(s, now)
	status := StatusIdle
	switch {
	case known && a < ActiveWindow:
		status = StatusActive
	case s.AbortedLastRun:
		status = StatusError
	}

	r := Record{
		Key:      s.Key,
		ID:       id,
		Name:     DeriveName(s.Key, label, typ, id),
		Label:    label,
		Type:     typ,
		Status:   status,
		Age:      a,
		AgeKnown: known,
		Model:    s.Model,
	}
	if s.Model != "" {
		r.LastTask = "Running " + s.Model
	}
	return r
}

// hidden reports whether a record is stale, housekeeping, or in a hidden channel.
func hidden(r Record) bool {
	if r.AgeKnown && r.Age > StaleAfter {
		return true
	}
	for _, h := range housekeeping {
		if strings.Contains(r.Key, h) {
			return true
		}
	}
	return strings.Contains(r.Key, hiddenChannel)
}

// Aggregate derives, filters, deduplicates and ranks one poll's sessions.
// The result holds at most limit records (DefaultMax when limit <= 0), active
// first then by name, with no two sharing a name case-insensitively.
func Aggregate(raw []RawSession, now time.Time, limit int) []Record {
	if limit <= 0 {
		limit = DefaultMax
	}

	byName := make(map[string]int)
	var out []Record
	for _, s := range raw {
		r := Derive(s, now)
		if hidden(r) {
			continue
		}
		k := strings.ToLower(r.Name)
		i, seen := byName[k]
		if !seen {
			byName[k] = len(out)
			out = append(out, r)
			continue
		}
		if r.Status == StatusActive && out[i].Status != StatusActive {
			out[i] = r
		}
	}

	slices.SortStableFunc(out, func(a, b Record) int {
		aa, ba := a.Status == StatusActive, b.Status == StatusActive
		if aa != ba {
			if aa {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
