package moderation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"verdict/internal/events"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
)

const muteListList = "mute_list"

// ErrInvalidMute is returned for a personal mute with an unknown kind or empty value
var ErrInvalidMute = errors.New("invalid mute entry")

// muteList is the latest version of one subscribed list
type muteList struct {
	ListID    string      `json:"list_id"`
	EventID   string      `json:"event_id"`
	UpdatedAt time.Time   `json:"updated_at"`
	Entries   []MuteEntry `json:"entries"`
}

// muteView is an immutable view over every subscribed list
type muteView struct {
	lists map[string]*muteList
}

type ownerMutes struct {
	mu   sync.Mutex
	snap atomic.Pointer[[]MuteEntry]
}

type personalSnapshot struct {
	Entries []MuteEntry `json:"entries"`
}

// MuteIndex matches content against personal mutes and subscribed mute lists
type MuteIndex struct {
	cache     Cache
	watermark *watermark
	now       nowFunc

	lists *SubscriptionList[*events.MuteListEvent]

	viewMu sync.Mutex
	view   atomic.Pointer[muteView]

	personal *xsync.Map[string, *ownerMutes]
}

func newMuteIndex(cfg Config, now nowFunc, cache Cache, bg *background, wm *watermark) *MuteIndex {
	m := &MuteIndex{
		cache:     cache,
		watermark: wm,
		now:       now,
		personal:  xsync.NewMap[string, *ownerMutes](),
	}
	m.view.Store(&muteView{lists: map[string]*muteList{}})
	m.lists = NewSubscriptionList(muteListList, cfg.MuteListCap, cache, bg, ListHooks[*events.MuteListEvent]{
		Kind:  events.KindMuteList,
		Merge: m.mergeList,
		Purge: m.purgeList,
	})
	return m
}

// fold returns the Unicode case-folded form of s. Casers are stateful, so a
// fresh one is used per call.
func fold(s string) string {
	return cases.Fold().String(s)
}

func normalizeMute(kind MuteKind, value string) (string, bool) {
	value = strings.TrimSpace(value)
	switch kind {
	case MutePubkey, MuteEventID:
		value = strings.ToLower(value)
	case MuteHashtag:
		value = strings.TrimPrefix(value, "#")
	case MuteKeyword:
	default:
		return "", false
	}
	return value, value != ""
}

func sameMute(a, b MuteEntry) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == MuteKeyword || a.Kind == MuteHashtag {
		return fold(a.Value) == fold(b.Value)
	}
	return a.Value == b.Value
}

// AddPersonalMute adds a mute owned by owner. Personal mutes are never removed
// by subscription changes. Adding an equivalent entry again is a no-op.
func (m *MuteIndex) AddPersonalMute(ctx context.Context, owner string, entry MuteEntry) (bool, error) {
	value, ok := normalizeMute(entry.Kind, entry.Value)
	if !ok || owner == "" {
		return false, ErrInvalidMute
	}
	entry = MuteEntry{OwnerPubkey: owner, Kind: entry.Kind, Value: value, Source: MuteSourcePersonal}

	om, _ := m.personal.LoadOrStore(owner, &ownerMutes{})
	om.mu.Lock()
	var cur []MuteEntry
	if p := om.snap.Load(); p != nil {
		cur = *p
	}
	for _, existing := range cur {
		if sameMute(existing, entry) {
			om.mu.Unlock()
			return false, nil
		}
	}
	next := make([]MuteEntry, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, entry)
	om.snap.Store(&next)
	om.mu.Unlock()

	err := mergeSnapshot(ctx, m.cache, cacheKey(storePersonalMutes, owner), func(snap *personalSnapshot) bool {
		for _, existing := range snap.Entries {
			if sameMute(existing, entry) {
				return true
			}
		}
		snap.Entries = append(snap.Entries, entry)
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("owner", owner).Msg("moderation: failed to persist personal mute")
	}

	m.watermark.advance(m.now())
	return true, nil
}

// PersonalMutes returns owner's personal mutes
func (m *MuteIndex) PersonalMutes(owner string) []MuteEntry {
	om, ok := m.personal.Load(owner)
	if !ok {
		return nil
	}
	p := om.snap.Load()
	if p == nil {
		return nil
	}
	out := make([]MuteEntry, len(*p))
	copy(out, *p)
	return out
}

// SubscribeToMuteList follows listOwner's mute list. At the cap it fails with
// *CapacityError and leaves existing subscriptions untouched.
func (m *MuteIndex) SubscribeToMuteList(ctx context.Context, listOwner string) error {
	return m.lists.Add(ctx, listOwner)
}

// UnsubscribeFromMuteList stops following listOwner and purges only the
// entries that came from that list.
func (m *MuteIndex) UnsubscribeFromMuteList(ctx context.Context, listOwner string) (bool, error) {
	return m.lists.Remove(ctx, listOwner)
}

// IngestList applies a mute-list event from a subscribed owner
func (m *MuteIndex) IngestList(ctx context.Context, evt *events.MuteListEvent) bool {
	return m.lists.Ingest(ctx, evt)
}

// mergeList replaces the owner's list with evt unless a newer version is held
func (m *MuteIndex) mergeList(ctx context.Context, owner string, evt *events.MuteListEvent) error {
	raw := evt.Source()
	list := &muteList{ListID: owner, EventID: raw.ID, UpdatedAt: raw.CreatedAt}
	add := func(kind MuteKind, values []string) {
		for _, v := range values {
			value, ok := normalizeMute(kind, v)
			if !ok {
				continue
			}
			e := MuteEntry{OwnerPubkey: owner, Kind: kind, Value: value, Source: MuteSourceSubscribed, ListID: owner}
			dup := false
			for _, existing := range list.Entries {
				if sameMute(existing, e) {
					dup = true
					break
				}
			}
			if !dup {
				list.Entries = append(list.Entries, e)
			}
		}
	}
	add(MutePubkey, evt.Pubkeys)
	add(MuteEventID, evt.EventIDs)
	add(MuteKeyword, evt.Keywords)
	add(MuteHashtag, evt.Hashtags)

	if !m.replaceList(owner, list) {
		return nil
	}

	err := mergeSnapshot(ctx, m.cache, cacheKey(storeMutes, owner), func(cur *muteList) bool {
		if !list.newerThan(cur) {
			return true
		}
		*cur = *list
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("list", owner).Msg("moderation: failed to persist mute list")
	}
	m.watermark.advance(m.now())
	return nil
}

// newerThan orders list versions by creation time, then event id
func (l *muteList) newerThan(other *muteList) bool {
	if other == nil || other.EventID == "" {
		return true
	}
	if !l.UpdatedAt.Equal(other.UpdatedAt) {
		return l.UpdatedAt.After(other.UpdatedAt)
	}
	return l.EventID > other.EventID
}

func (m *MuteIndex) replaceList(owner string, list *muteList) bool {
	m.viewMu.Lock()
	defer m.viewMu.Unlock()

	cur := m.view.Load()
	if !list.newerThan(cur.lists[owner]) {
		return false
	}
	next := &muteView{lists: make(map[string]*muteList, len(cur.lists)+1)}
	for k, v := range cur.lists {
		next.lists[k] = v
	}
	next.lists[owner] = list
	m.view.Store(next)
	return true
}

func (m *MuteIndex) purgeList(ctx context.Context, owner string) error {
	m.viewMu.Lock()
	cur := m.view.Load()
	if _, ok := cur.lists[owner]; ok {
		next := &muteView{lists: make(map[string]*muteList, len(cur.lists))}
		for k, v := range cur.lists {
			if k != owner {
				next.lists[k] = v
			}
		}
		m.view.Store(next)
	}
	m.viewMu.Unlock()

	m.watermark.advance(m.now())
	if m.cache == nil {
		return nil
	}
	return m.cache.Merge(ctx, cacheKey(storeMutes, owner), func([]byte) ([]byte, error) { return nil, nil })
}

// MuteLists returns the subscribed list owners in sorted order
func (m *MuteIndex) MuteLists() []string {
	return m.lists.Sources()
}

// Unavailable returns the subscribed lists whose subscription is failing
func (m *MuteIndex) Unavailable() []string {
	return m.lists.Unavailable()
}

// PersonalOwners returns the number of identities with personal mutes
func (m *MuteIndex) PersonalOwners() int {
	return m.personal.Size()
}

// CheckContent returns every mute entry visible to caller that matches evt:
// caller's personal mutes plus all subscribed lists. Pubkeys and event ids
// match exactly, keywords as case-folded substrings of the content and
// hashtags case-folded against the event's t tags.
func (m *MuteIndex) CheckContent(caller string, evt *events.Event) []MuteEntry {
	var candidates []MuteEntry
	if om, ok := m.personal.Load(caller); ok && caller != "" {
		if p := om.snap.Load(); p != nil {
			candidates = append(candidates, *p...)
		}
	}
	for _, list := range m.view.Load().lists {
		candidates = append(candidates, list.Entries...)
	}
	if len(candidates) == 0 {
		return nil
	}

	pubkey := strings.ToLower(evt.PubKey)
	id := strings.ToLower(evt.ID)
	var content string
	var hashtags map[string]struct{}

	var out []MuteEntry
	for _, e := range candidates {
		matched := false
		switch e.Kind {
		case MutePubkey:
			matched = e.Value == pubkey
		case MuteEventID:
			matched = e.Value == id
		case MuteKeyword:
			if content == "" {
				content = fold(evt.Content)
			}
			matched = strings.Contains(content, fold(e.Value))
		case MuteHashtag:
			if hashtags == nil {
				hashtags = make(map[string]struct{})
				for _, t := range evt.TagValues("t") {
					hashtags[fold(strings.TrimPrefix(strings.TrimSpace(t), "#"))] = struct{}{}
				}
			}
			_, matched = hashtags[fold(e.Value)]
		}
		if matched {
			out = append(out, e)
		}
	}
	sortMutes(out)
	return out
}

func sortMutes(entries []MuteEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Source != b.Source {
			return a.Source == MuteSourcePersonal
		}
		if a.ListID != b.ListID {
			return a.ListID < b.ListID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Value < b.Value
	})
}

// restore reloads personal mutes, subscriptions and the subscribed lists
func (m *MuteIndex) restore(ctx context.Context) error {
	err := scanSnapshots(ctx, m.cache, storePersonalMutes+":", func(key string, snap *personalSnapshot) error {
		owner := strings.TrimPrefix(key, storePersonalMutes+":")
		entries := make([]MuteEntry, 0, len(snap.Entries))
		for _, e := range snap.Entries {
			e.OwnerPubkey, e.Source, e.ListID = owner, MuteSourcePersonal, ""
			entries = append(entries, e)
		}
		om, _ := m.personal.LoadOrStore(owner, &ownerMutes{})
		om.mu.Lock()
		if om.snap.Load() == nil {
			om.snap.Store(&entries)
		}
		om.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.lists.Restore(ctx); err != nil {
		return err
	}
	return scanSnapshots(ctx, m.cache, storeMutes+":", func(key string, snap *muteList) error {
		owner := strings.TrimPrefix(key, storeMutes+":")
		if !m.lists.Contains(owner) {
			return nil
		}
		snap.ListID = owner
		m.replaceList(owner, snap)
		return nil
	})
}
