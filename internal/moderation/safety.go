package moderation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"verdict/internal/events"

	"github.com/minio/sha256-simd"
)

// SafetyList is the built-in blocklist consulted before any other signal.
// A match cannot be overridden. It is immutable once loaded.
type SafetyList struct {
	hashes   map[string]bool
	keywords []string // case-folded
}

// NewSafetyList builds a list from hex hashes (content sha256, event ids or
// file hashes) and keywords
func NewSafetyList(hashes, keywords []string) *SafetyList {
	s := &SafetyList{hashes: make(map[string]bool, len(hashes))}
	for _, h := range hashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			s.hashes[h] = true
		}
	}
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			s.keywords = append(s.keywords, fold(kw))
		}
	}
	return s
}

// LoadSafetyList reads a JSON file of the form {"hashes":[...],"keywords":[...]}
func LoadSafetyList(p string) (*SafetyList, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return nil, fmt.Errorf("failed to parse safety list: %w", err)
	}
	return NewSafetyList(sets["hashes"], sets["keywords"]), nil
}

// Len returns the number of hashes and keywords in the list
func (s *SafetyList) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hashes) + len(s.keywords)
}

// Match returns a description of the first rule evt matches. A nil list matches nothing.
func (s *SafetyList) Match(evt *events.Event) (string, bool) {
	if s.Len() == 0 {
		return "", false
	}

	if len(s.hashes) > 0 {
		if s.hashes[strings.ToLower(evt.ID)] {
			return "hash:" + evt.ID, true
		}
		for _, x := range evt.TagValues("x") {
			if s.hashes[strings.ToLower(x)] {
				return "hash:" + x, true
			}
		}
		if evt.Content != "" {
			sum := sha256.Sum256([]byte(evt.Content))
			h := hex.EncodeToString(sum[:])
			if s.hashes[h] {
				return "hash:" + h, true
			}
		}
	}

	if len(s.keywords) > 0 && evt.Content != "" {
		content := fold(evt.Content)
		for _, kw := range s.keywords {
			if strings.Contains(content, kw) {
				return "keyword:" + kw, true
			}
		}
	}
	return "", false
}
