package moderation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"verdict/internal/events"
	"verdict/internal/metrics"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

const networkSource = "network"

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// reportSet is an immutable snapshot of the deduplicated reports on one target
type reportSet struct {
	version uint64
	reports []Report
}

// reportMemo caches the aggregation computed for a reportSet version. It stays
// valid while the clock is inside [from, until).
type reportMemo struct {
	version uint64
	from    time.Time
	until   time.Time
	agg     ReportAggregation
}

type targetReports struct {
	mu   sync.Mutex
	snap atomic.Pointer[reportSet]
	memo atomic.Pointer[reportMemo]
}

type reportSnapshot struct {
	Reports []Report `json:"reports"`
}

type networkSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ReportAggregator accumulates community reports per target and recommends an
// action from the active (unexpired) ones. Report evidence is append-only: it
// is never purged by subscription changes.
type ReportAggregator struct {
	expiry    time.Duration
	now       func() time.Time
	cache     Cache
	bg        *background
	watermark *watermark

	targets *xsync.Map[string, *targetReports]

	mu        sync.RWMutex
	network   map[string]struct{}
	reviewers map[string]struct{}
	sub       *networkSubscription

	available atomic.Bool
	lastSeen  atomic.Int64
}

func newReportAggregator(cfg Config, now func() time.Time, cache Cache, bg *background, wm *watermark) *ReportAggregator {
	a := &ReportAggregator{
		expiry:    time.Duration(cfg.ReportExpiry),
		now:       now,
		cache:     cache,
		bg:        bg,
		watermark: wm,
		targets:   xsync.NewMap[string, *targetReports](),
		network:   make(map[string]struct{}),
		reviewers: make(map[string]struct{}),
	}
	a.available.Store(true)
	a.SetTrustedReviewers(cfg.TrustedReviewers)
	return a
}

// SubscribeToNetworkReports replaces the set of reporters whose reports are
// counted and restarts the background report subscription for them.
func (a *ReportAggregator) SubscribeToNetworkReports(ctx context.Context, trusted []string) {
	set := make(map[string]struct{}, len(trusted))
	authors := make([]string, 0, len(trusted))
	for _, pk := range trusted {
		if _, dup := set[pk]; dup || pk == "" {
			continue
		}
		set[pk] = struct{}{}
		authors = append(authors, pk)
	}
	sort.Strings(authors)

	a.mu.Lock()
	a.network = set
	old := a.sub
	a.sub = nil
	a.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	err := mergeSnapshot(ctx, a.cache, cacheKey(storeSubs, storeReports), func(cur *subsSnapshot) bool {
		cur.Sources = authors
		return len(authors) > 0
	})
	if err != nil {
		log.Warn().Err(err).Msg("moderation: failed to persist network report subscription")
	}

	a.startNetwork(authors)
	metrics.Subscriptions.WithLabelValues(storeReports).Set(float64(len(authors)))
	log.Info().Int("reporters", len(authors)).Msg("moderation: subscribed to network reports")
}

func (a *ReportAggregator) startNetwork(authors []string) {
	if a.bg == nil || a.bg.src == nil || len(authors) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(a.bg.ctx)
	sub := &networkSubscription{cancel: cancel, done: make(chan struct{})}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	a.bg.wg.Add(1)
	go func() {
		defer a.bg.wg.Done()
		defer close(sub.done)
		a.bg.runSubscription(ctx, storeReports, storeReports+":"+networkSource,
			func() Filter {
				f := Filter{ID: "reports-network", Kinds: []int{events.KindReport}, Authors: authors}
				if ts := a.lastSeen.Load(); ts > 0 {
					f.Since = time.Unix(ts, 0).UTC()
				}
				return f
			},
			func(evt events.Event) bool {
				parsed, err := events.Parse(evt, a.now())
				if err != nil {
					metrics.MalformedEventsTotal.Inc()
					log.Debug().Err(err).Msg("moderation: dropping report event")
					return false
				}
				re, ok := parsed.(*events.ReportEvent)
				if !ok {
					return false
				}
				return a.IngestEvent(ctx, re)
			},
			func(ok bool, err error) {
				a.available.Store(ok)
			},
		)
	}()
}

// SetTrustedReviewers replaces the set of reporters flagged as trusted on ingestion
func (a *ReportAggregator) SetTrustedReviewers(pubkeys []string) {
	set := make(map[string]struct{}, len(pubkeys))
	for _, pk := range pubkeys {
		set[pk] = struct{}{}
	}
	a.mu.Lock()
	a.reviewers = set
	a.mu.Unlock()
}

func (a *ReportAggregator) accepts(reporter string) (accepted, trusted bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, accepted = a.network[reporter]
	_, trusted = a.reviewers[reporter]
	return accepted, trusted
}

// IngestEvent converts a validated report event and adds it
func (a *ReportAggregator) IngestEvent(ctx context.Context, re *events.ReportEvent) bool {
	raw := re.Source()
	added := a.AddReport(ctx, Report{
		ID:             raw.ID,
		TargetID:       re.TargetID,
		ReporterPubkey: raw.PubKey,
		Type:           ParseReportType(re.Type),
		Reason:         re.Reason,
		CreatedAt:      raw.CreatedAt,
	})
	if added {
		a.advanceCursor(ctx, notAfter(raw.CreatedAt, a.now()).Unix())
	}
	return added
}

// AddReport counts a report. Reports from reporters outside the network set
// are ignored; a duplicate (same reporter, target and type) is counted once,
// keeping the newest copy. A report dated in the future is counted as of now.
// Returns whether the stored state changed.
func (a *ReportAggregator) AddReport(ctx context.Context, r Report) bool {
	r.Type = ParseReportType(string(r.Type))
	r.CreatedAt = notAfter(r.CreatedAt, a.now())
	accepted, trusted := a.accepts(r.ReporterPubkey)
	if !accepted {
		return false
	}
	if trusted {
		r.IsTrustedReporter = true
	}

	ts, _ := a.targets.LoadOrStore(r.TargetID, &targetReports{})
	if !a.commit(ts, []Report{r}) {
		return false
	}

	err := mergeSnapshot(ctx, a.cache, cacheKey(storeReports, r.TargetID), func(cur *reportSnapshot) bool {
		cur.Reports = mergeReports(cur.Reports, []Report{r})
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("target", r.TargetID).Msg("moderation: failed to persist reports")
	}

	a.watermark.advance(a.now())
	metrics.ReportsCountedTotal.WithLabelValues(string(r.Type)).Inc()
	return true
}

// commit merges reports into a target's set under its lock and publishes a new snapshot
func (a *ReportAggregator) commit(ts *targetReports, incoming []Report) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	cur := ts.snap.Load()
	var existing []Report
	var version uint64
	if cur != nil {
		existing = cur.reports
		version = cur.version
	}

	merged := mergeReports(existing, incoming)
	if cur != nil && sameReports(existing, merged) {
		return false
	}

	ts.snap.Store(&reportSet{version: version + 1, reports: merged})
	return true
}

// mergeReports returns the union of two report lists deduplicated by report
// key, keeping the newest copy, sorted deterministically.
func mergeReports(existing, incoming []Report) []Report {
	byKey := make(map[reportKey]Report, len(existing)+len(incoming))
	for _, list := range [][]Report{existing, incoming} {
		for _, r := range list {
			r.Type = ParseReportType(string(r.Type))
			if prev, ok := byKey[r.key()]; ok && !r.CreatedAt.After(prev.CreatedAt) {
				continue
			}
			byKey[r.key()] = r
		}
	}

	out := make([]Report, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		if out[i].ReporterPubkey != out[j].ReporterPubkey {
			return out[i].ReporterPubkey < out[j].ReporterPubkey
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func sameReports(a, b []Report) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].key() != b[i].key() || !a[i].CreatedAt.Equal(b[i].CreatedAt) || a[i].IsTrustedReporter != b[i].IsTrustedReporter {
			return false
		}
	}
	return true
}

// GetReportsForEvent returns the aggregation of the active reports on target.
// Expiry is evaluated lazily at read time; the result is memoized until the
// next write or until the oldest active report expires.
func (a *ReportAggregator) GetReportsForEvent(target string) ReportAggregation {
	now := a.now()
	ts, ok := a.targets.Load(target)
	if !ok {
		return aggregateReports(target, nil, now, a.expiry)
	}
	set := ts.snap.Load()
	if set == nil {
		return aggregateReports(target, nil, now, a.expiry)
	}

	if m := ts.memo.Load(); m != nil && m.version == set.version && !now.Before(m.from) && now.Before(m.until) {
		return m.agg.clone()
	}

	agg := aggregateReports(target, set.reports, now, a.expiry)
	until := farFuture
	if !agg.OldestActiveReportAt.IsZero() {
		until = agg.OldestActiveReportAt.Add(a.expiry + time.Nanosecond)
	}
	ts.memo.Store(&reportMemo{version: set.version, from: now, until: until, agg: agg})
	return agg.clone()
}

// RawReports returns every stored report on target, expired ones included
func (a *ReportAggregator) RawReports(target string) []Report {
	ts, ok := a.targets.Load(target)
	if !ok {
		return nil
	}
	set := ts.snap.Load()
	if set == nil {
		return nil
	}
	out := make([]Report, len(set.reports))
	copy(out, set.reports)
	return out
}

// Available reports whether the network report subscription is healthy
func (a *ReportAggregator) Available() bool {
	return a.available.Load()
}

// TargetCount returns the number of targets with at least one stored report
func (a *ReportAggregator) TargetCount() int {
	return a.targets.Size()
}

func (a *ReportAggregator) advanceCursor(ctx context.Context, ts int64) {
	for {
		cur := a.lastSeen.Load()
		if ts <= cur {
			return
		}
		if a.lastSeen.CompareAndSwap(cur, ts) {
			break
		}
	}
	err := mergeSnapshot(ctx, a.cache, cacheKey(storeCursor, storeReports, networkSource), func(cur *cursorSnapshot) bool {
		if ts > cur.LastSeen {
			cur.LastSeen = ts
		}
		return true
	})
	if err != nil {
		log.Warn().Err(err).Msg("moderation: failed to persist report cursor")
	}
}

// restore rebuilds report state and the network subscription from the cache
func (a *ReportAggregator) restore(ctx context.Context) error {
	err := scanSnapshots(ctx, a.cache, storeReports+":", func(key string, snap *reportSnapshot) error {
		target := strings.TrimPrefix(key, storeReports+":")
		ts, _ := a.targets.LoadOrStore(target, &targetReports{})
		a.commit(ts, snap.Reports)
		return nil
	})
	if err != nil {
		return err
	}
	a.watermark.advance(a.now())

	if a.cache == nil {
		return nil
	}
	if raw, err := a.cache.Get(ctx, cacheKey(storeCursor, storeReports, networkSource)); err == nil && raw != nil {
		var cur cursorSnapshot
		if _, err := decodeSnapshot(raw, &cur); err == nil {
			a.lastSeen.Store(cur.LastSeen)
		}
	}
	raw, err := a.cache.Get(ctx, cacheKey(storeSubs, storeReports))
	if err != nil || raw == nil {
		return err
	}
	var subs subsSnapshot
	if _, err := decodeSnapshot(raw, &subs); err != nil {
		return err
	}
	a.SubscribeToNetworkReports(ctx, subs.Sources)
	return nil
}

func (a *ReportAggregator) close() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		sub.cancel()
		<-sub.done
	}
}

// aggregateReports counts the active reports and applies the recommendation ladder
func aggregateReports(target string, reports []Report, now time.Time, expiry time.Duration) ReportAggregation {
	agg := ReportAggregation{
		TargetID:     target,
		CountsByType: make(map[ReportType]int),
	}
	for _, r := range reports {
		if now.Sub(r.CreatedAt) > expiry {
			continue
		}
		agg.CountsByType[r.Type]++
		agg.TotalCount++
		if r.IsTrustedReporter {
			agg.TrustedCount++
		}
		if agg.OldestActiveReportAt.IsZero() || r.CreatedAt.Before(agg.OldestActiveReportAt) {
			agg.OldestActiveReportAt = r.CreatedAt
		}
	}
	agg.Recommendation, agg.Confidence = recommend(agg)
	return agg
}

func recommend(agg ReportAggregation) (Action, float64) {
	switch {
	case agg.CountsByType[ReportCSAM] >= 1:
		return ActionBlock, 1.0
	case agg.CountsByType[ReportIllegal] >= 2:
		return ActionBlock, 1.0
	case agg.TrustedCount >= 3 || agg.TotalCount >= 5:
		return ActionHide, 0.9
	case agg.TrustedCount >= 1 || agg.TotalCount >= 2:
		return ActionBlur, 0.6
	default:
		return ActionAllow, 0.0
	}
}

// forcedByReports reports whether the aggregation's block bypasses thresholds
func forcedByReports(agg ReportAggregation) bool {
	return agg.CountsByType[ReportCSAM] >= 1 || agg.CountsByType[ReportIllegal] >= 2
}

func (agg ReportAggregation) clone() ReportAggregation {
	counts := make(map[ReportType]int, len(agg.CountsByType))
	for k, v := range agg.CountsByType {
		counts[k] = v
	}
	agg.CountsByType = counts
	return agg
}
