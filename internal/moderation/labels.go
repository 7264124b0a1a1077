package moderation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"verdict/internal/events"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

const labelerList = "labeler"

// labelSet is an immutable snapshot of the labels on one target/namespace,
// attributed per labeler so a labeler's contribution can be reversed.
type labelSet struct {
	byLabeler map[string]map[string]Label // labeler -> value -> label
	counts    map[string]int              // value -> distinct labelers
}

type targetLabels struct {
	mu   sync.Mutex
	snap atomic.Pointer[labelSet]
}

type labelSnapshot struct {
	Labels []Label `json:"labels"`
}

// LabelStore keeps label consensus per (target, namespace) from subscribed labelers
type LabelStore struct {
	cache     Cache
	watermark *watermark
	now       nowFunc

	labelers *SubscriptionList[*events.LabelEvent]
	sets     *xsync.Map[string, *targetLabels]
}

func newLabelStore(cfg Config, now nowFunc, cache Cache, bg *background, wm *watermark) *LabelStore {
	s := &LabelStore{
		cache:     cache,
		watermark: wm,
		now:       now,
		sets:      xsync.NewMap[string, *targetLabels](),
	}
	s.labelers = NewSubscriptionList(labelerList, cfg.LabelerCap, cache, bg, ListHooks[*events.LabelEvent]{
		Kind:  events.KindLabel,
		Merge: s.mergeEvent,
		Purge: s.purge,
	})
	return s
}

func labelSetKey(target, namespace string) string {
	return target + ":" + namespace
}

// SubscribeToLabeler adds a trusted label source. At the cap it fails with
// *CapacityError and leaves existing subscriptions untouched.
func (s *LabelStore) SubscribeToLabeler(ctx context.Context, pubkey string) error {
	return s.labelers.Add(ctx, pubkey)
}

// UnsubscribeFromLabeler stops ingestion from pubkey and purges its labels.
// Returns false if pubkey was not subscribed.
func (s *LabelStore) UnsubscribeFromLabeler(ctx context.Context, pubkey string) (bool, error) {
	return s.labelers.Remove(ctx, pubkey)
}

// IngestLabel stores a label from a subscribed labeler. Labels from other
// sources are dropped; re-ingesting the same (labeler, target, namespace,
// value) changes nothing. Returns whether the label was newly counted.
func (s *LabelStore) IngestLabel(ctx context.Context, l Label) bool {
	var added bool
	_, err := s.labelers.Guard(l.LabelerPubkey, func() error {
		added = s.apply(ctx, l)
		return nil
	})
	if err != nil {
		return false
	}
	return added
}

// mergeEvent folds a label event from a subscribed labeler
func (s *LabelStore) mergeEvent(ctx context.Context, source string, evt *events.LabelEvent) error {
	raw := evt.Source()
	for _, t := range evt.Labels {
		s.apply(ctx, Label{
			ID:            raw.ID,
			TargetID:      t.TargetID,
			Namespace:     evt.Namespace,
			Value:         t.Value,
			LabelerPubkey: source,
			CreatedAt:     raw.CreatedAt,
		})
	}
	return nil
}

func (s *LabelStore) apply(ctx context.Context, l Label) bool {
	if l.TargetID == "" || l.Value == "" || l.LabelerPubkey == "" {
		return false
	}
	if l.Namespace == "" {
		l.Namespace = DefaultNamespace
	}

	ts, _ := s.sets.LoadOrStore(labelSetKey(l.TargetID, l.Namespace), &targetLabels{})
	ts.mu.Lock()
	cur := ts.snap.Load()
	if cur != nil {
		if _, ok := cur.byLabeler[l.LabelerPubkey][l.Value]; ok {
			ts.mu.Unlock()
			return false
		}
	}
	ts.snap.Store(cur.with(l))
	ts.mu.Unlock()

	err := mergeSnapshot(ctx, s.cache, cacheKey(storeLabels, l.TargetID, l.Namespace), func(snap *labelSnapshot) bool {
		for _, existing := range snap.Labels {
			if existing.LabelerPubkey == l.LabelerPubkey && existing.Value == l.Value {
				return true
			}
		}
		snap.Labels = append(snap.Labels, l)
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("target", l.TargetID).Str("namespace", l.Namespace).Msg("moderation: failed to persist label")
	}

	s.watermark.advance(s.now())
	return true
}

// with returns a copy of set with l added. set may be nil.
func (set *labelSet) with(l Label) *labelSet {
	next := &labelSet{
		byLabeler: make(map[string]map[string]Label),
		counts:    make(map[string]int),
	}
	if set != nil {
		for labeler, values := range set.byLabeler {
			next.byLabeler[labeler] = values
		}
		for v, n := range set.counts {
			next.counts[v] = n
		}
	}

	values := make(map[string]Label, len(next.byLabeler[l.LabelerPubkey])+1)
	for v, existing := range next.byLabeler[l.LabelerPubkey] {
		values[v] = existing
	}
	values[l.Value] = l
	next.byLabeler[l.LabelerPubkey] = values
	next.counts[l.Value]++
	return next
}

// without returns a copy of set with every label from labeler removed
func (set *labelSet) without(labeler string) *labelSet {
	next := &labelSet{
		byLabeler: make(map[string]map[string]Label, len(set.byLabeler)),
		counts:    make(map[string]int, len(set.counts)),
	}
	for lb, values := range set.byLabeler {
		if lb == labeler {
			continue
		}
		next.byLabeler[lb] = values
		for v := range values {
			next.counts[v]++
		}
	}
	return next
}

// purge removes a labeler's contributions from memory and the cache
func (s *LabelStore) purge(ctx context.Context, labeler string) error {
	var touched []string
	s.sets.Range(func(key string, ts *targetLabels) bool {
		ts.mu.Lock()
		cur := ts.snap.Load()
		if cur != nil {
			if _, ok := cur.byLabeler[labeler]; ok {
				ts.snap.Store(cur.without(labeler))
				touched = append(touched, key)
			}
		}
		ts.mu.Unlock()
		return true
	})

	var firstErr error
	for _, key := range touched {
		err := mergeSnapshot(ctx, s.cache, cacheKey(storeLabels, key), func(snap *labelSnapshot) bool {
			kept := snap.Labels[:0]
			for _, l := range snap.Labels {
				if l.LabelerPubkey != labeler {
					kept = append(kept, l)
				}
			}
			snap.Labels = kept
			return len(kept) > 0
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.watermark.advance(s.now())
	log.Debug().Str("labeler", labeler).Int("sets", len(touched)).Msg("moderation: purged labeler")
	return firstErr
}

// HasLabel reports whether any subscribed labeler applied value to target in namespace
func (s *LabelStore) HasLabel(target, namespace, value string) bool {
	set := s.load(target, namespace)
	return set != nil && set.counts[value] > 0
}

// GetLabelCounts returns the number of distinct labelers per value
func (s *LabelStore) GetLabelCounts(target, namespace string) map[string]int {
	out := make(map[string]int)
	set := s.load(target, namespace)
	if set == nil {
		return out
	}
	for v, n := range set.counts {
		if n > 0 {
			out[v] = n
		}
	}
	return out
}

// Consensus returns the label counts for target/namespace as a LabelConsensus
func (s *LabelStore) Consensus(target, namespace string) LabelConsensus {
	return LabelConsensus{
		TargetID:      target,
		Namespace:     namespace,
		CountsByValue: s.GetLabelCounts(target, namespace),
	}
}

func (s *LabelStore) load(target, namespace string) *labelSet {
	ts, ok := s.sets.Load(labelSetKey(target, namespace))
	if !ok {
		return nil
	}
	return ts.snap.Load()
}

// Labelers returns the subscribed labelers in sorted order
func (s *LabelStore) Labelers() []string {
	return s.labelers.Sources()
}

// Unavailable returns the subscribed labelers whose subscription is failing
func (s *LabelStore) Unavailable() []string {
	return s.labelers.Unavailable()
}

// SetSize returns the number of (target, namespace) sets held in memory
func (s *LabelStore) SetSize() int {
	return s.sets.Size()
}

// restore reloads subscriptions, then the labels of still-subscribed labelers
func (s *LabelStore) restore(ctx context.Context) error {
	if err := s.labelers.Restore(ctx); err != nil {
		return err
	}
	return scanSnapshots(ctx, s.cache, storeLabels+":", func(key string, snap *labelSnapshot) error {
		rest := strings.TrimPrefix(key, storeLabels+":")
		target, namespace, ok := strings.Cut(rest, ":")
		if !ok {
			return nil
		}

		labels := snap.Labels
		sort.Slice(labels, func(i, j int) bool {
			if labels[i].LabelerPubkey != labels[j].LabelerPubkey {
				return labels[i].LabelerPubkey < labels[j].LabelerPubkey
			}
			return labels[i].Value < labels[j].Value
		})

		ts, _ := s.sets.LoadOrStore(labelSetKey(target, namespace), &targetLabels{})
		ts.mu.Lock()
		defer ts.mu.Unlock()
		cur := ts.snap.Load()
		for _, l := range labels {
			if !s.labelers.Contains(l.LabelerPubkey) {
				continue
			}
			if cur != nil {
				if _, dup := cur.byLabeler[l.LabelerPubkey][l.Value]; dup {
					continue
				}
			}
			l.TargetID, l.Namespace = target, namespace
			cur = cur.with(l)
		}
		if cur != nil {
			ts.snap.Store(cur)
		}
		return nil
	})
}
