// Package events defines the generic signed-event shape delivered by relays and
// the validated per-kind variants the moderation engine operates on.
package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds consumed by the engine
const (
	KindReport   = 1984
	KindLabel    = 1985
	KindMuteList = 10000
)

// Tag is a single tag array, e.g. ["e", "<event id>", "spam"]
type Tag []string

// Key returns the tag name, or "" for an empty tag
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the first tag value, or "" if absent
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// At returns the i-th element of the tag, or "" if out of range
func (t Tag) At(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i]
}

// Event is the generic event shape shared by every kind
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt time.Time `json:"-"`
	Kind      int       `json:"kind"`
	Tags      []Tag     `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig,omitempty"`
}

type wireEvent struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig,omitempty"`
}

// MarshalJSON encodes CreatedAt as unix seconds
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: e.CreatedAt.Unix(),
		Kind:      e.Kind,
		Tags:      e.Tags,
		Content:   e.Content,
		Sig:       e.Sig,
	})
}

// UnmarshalJSON decodes CreatedAt from unix seconds
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		ID:        w.ID,
		PubKey:    w.PubKey,
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
		Kind:      w.Kind,
		Tags:      w.Tags,
		Content:   w.Content,
		Sig:       w.Sig,
	}
	return nil
}

// TagValues returns the first value of every tag with the given key, in order
func (e *Event) TagValues(key string) []string {
	var out []string
	for _, t := range e.Tags {
		if t.Key() == key && t.Value() != "" {
			out = append(out, t.Value())
		}
	}
	return out
}

// FirstTag returns the first tag with the given key
func (e *Event) FirstTag(key string) (Tag, bool) {
	for _, t := range e.Tags {
		if t.Key() == key && t.Value() != "" {
			return t, true
		}
	}
	return nil, false
}

// IsHexID reports whether s is a 32-byte lowercase hex identifier (pubkey or event id)
func IsHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// String returns a short description used in log lines
func (e *Event) String() string {
	id := e.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("kind=%d id=%s", e.Kind, id)
}
