package moderation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"verdict/internal/events"
	"verdict/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Filter selects the events a subscription should deliver
type Filter struct {
	// ID names the subscription on the transport
	ID      string
	Kinds   []int
	Authors []string
	// Since resumes from the last-seen event time (zero means full history)
	Since time.Time
}

// EventSource delivers decoded events from the network. Subscribe blocks until
// ctx is cancelled (returning nil or ctx.Err()) or the subscription fails.
type EventSource interface {
	Subscribe(ctx context.Context, f Filter, deliver func(events.Event)) error
}

// retryPolicy bounds the reconnect backoff of background subscriptions
type retryPolicy struct {
	base time.Duration
	max  time.Duration
}

var defaultRetry = retryPolicy{base: time.Second, max: 30 * time.Second}

// background owns the lifetime of every subscription goroutine
type background struct {
	ctx   context.Context
	src   EventSource
	now   nowFunc
	retry retryPolicy
	wg    sync.WaitGroup
}

// runSubscription keeps a subscription alive until ctx is cancelled. Failures
// flip the source to unavailable and retry with exponential backoff; the filter
// is rebuilt on every attempt so resumption uses the latest cursor.
func (b *background) runSubscription(ctx context.Context, kind, name string, filter func() Filter, deliver func(events.Event) bool, setAvailable func(bool, error)) {
	backoff := b.retry.base
	for {
		if ctx.Err() != nil {
			return
		}

		var delivered atomic.Bool
		err := b.src.Subscribe(ctx, filter(), func(evt events.Event) {
			if ctx.Err() != nil {
				return
			}
			if deliver(evt) && !delivered.Swap(true) {
				setAvailable(true, nil)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("subscription closed by transport")
		}

		var terr *TransportError
		if !errors.As(err, &terr) {
			terr = &TransportError{Source: name, Err: err}
		}
		setAvailable(false, terr)
		metrics.SubscriptionErrorsTotal.WithLabelValues(kind).Inc()
		log.Warn().Err(terr).Str("source", name).Dur("backoff", backoff).Msg("moderation: subscription failed, retrying")

		if delivered.Load() {
			backoff = b.retry.base
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > b.retry.max {
			backoff = b.retry.max
		}
	}
}

// ListHooks plug a store's parse/merge/purge behaviour into a SubscriptionList
type ListHooks[T events.Parsed] struct {
	// Kind is the event kind the list subscribes to
	Kind int
	// Merge folds a validated event from source into the store
	Merge func(ctx context.Context, source string, evt T) error
	// Purge removes every contribution attributable to source
	Purge func(ctx context.Context, source string) error
}

type sourceState struct {
	cancel    context.CancelFunc
	done      chan struct{}
	available atomic.Bool
	lastSeen  atomic.Int64 // unix seconds of the newest merged event
}

// SubscriptionList tracks a capped set of event sources (labelers, mute list
// owners). Stores compose it and supply hooks; it owns membership, per-source
// availability, resume cursors and the background subscription per source.
type SubscriptionList[T events.Parsed] struct {
	name     string
	capacity int
	hooks    ListHooks[T]
	cache    Cache
	bg       *background

	mu      sync.RWMutex
	sources map[string]*sourceState
}

// NewSubscriptionList creates a list. bg may be nil, in which case no
// background subscriptions are started and events arrive only via Ingest.
func NewSubscriptionList[T events.Parsed](name string, capacity int, cache Cache, bg *background, hooks ListHooks[T]) *SubscriptionList[T] {
	return &SubscriptionList[T]{
		name:     name,
		capacity: capacity,
		hooks:    hooks,
		cache:    cache,
		bg:       bg,
		sources:  make(map[string]*sourceState),
	}
}

// Add subscribes to source. Adding an existing source is a no-op; adding past
// the cap fails with *CapacityError and changes nothing.
func (l *SubscriptionList[T]) Add(ctx context.Context, source string) error {
	l.mu.Lock()
	if _, ok := l.sources[source]; ok {
		l.mu.Unlock()
		return nil
	}
	if len(l.sources) >= l.capacity {
		l.mu.Unlock()
		return &CapacityError{Kind: l.name, Limit: l.capacity}
	}

	st := &sourceState{done: make(chan struct{})}
	st.available.Store(true)
	st.lastSeen.Store(l.loadCursor(ctx, source))
	l.sources[source] = st
	sources := l.sortedLocked()
	l.persistSources(ctx, sources)
	l.start(source, st)
	l.mu.Unlock()

	metrics.Subscriptions.WithLabelValues(l.name).Set(float64(len(sources)))
	log.Info().Str("list", l.name).Str("source", source).Msg("moderation: subscribed")
	return nil
}

// start launches the background subscription for source. Caller must hold the write lock.
func (l *SubscriptionList[T]) start(source string, st *sourceState) {
	if l.bg == nil || l.bg.src == nil {
		close(st.done)
		return
	}

	ctx, cancel := context.WithCancel(l.bg.ctx)
	st.cancel = cancel
	l.bg.wg.Add(1)
	go func() {
		defer l.bg.wg.Done()
		defer close(st.done)
		l.bg.runSubscription(ctx, l.name, l.name+":"+source,
			func() Filter {
				f := Filter{ID: l.name + "-" + shortID(source), Kinds: []int{l.hooks.Kind}, Authors: []string{source}}
				if ts := st.lastSeen.Load(); ts > 0 {
					f.Since = time.Unix(ts, 0).UTC()
				}
				return f
			},
			func(evt events.Event) bool {
				return l.deliver(ctx, evt)
			},
			func(ok bool, err error) {
				st.available.Store(ok)
			},
		)
	}()
}

// deliver parses a raw event from the transport and ingests it
func (l *SubscriptionList[T]) deliver(ctx context.Context, evt events.Event) bool {
	parsed, err := events.Parse(evt, l.clock())
	if err != nil {
		metrics.MalformedEventsTotal.Inc()
		log.Debug().Err(err).Str("list", l.name).Msg("moderation: dropping event")
		return false
	}
	typed, ok := parsed.(T)
	if !ok {
		return false
	}
	return l.Ingest(ctx, typed)
}

// Ingest merges a validated event if its author is subscribed. Events from
// sources that are not (or no longer) subscribed are dropped.
func (l *SubscriptionList[T]) Ingest(ctx context.Context, evt T) bool {
	raw := evt.Source()
	ok, err := l.Guard(raw.PubKey, func() error {
		return l.hooks.Merge(ctx, raw.PubKey, evt)
	})
	if err != nil {
		log.Warn().Err(err).Str("list", l.name).Str("source", raw.PubKey).Msg("moderation: merge failed")
		return false
	}
	if ok {
		l.advance(ctx, raw.PubKey, notAfter(raw.CreatedAt, l.clock()).Unix())
	}
	return ok
}

// Guard runs fn only if source is subscribed, holding the subscription so a
// concurrent Remove cannot purge before fn's writes land.
func (l *SubscriptionList[T]) Guard(source string, fn func() error) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.sources[source]; !ok {
		return false, nil
	}
	return true, fn()
}

func (l *SubscriptionList[T]) clock() time.Time {
	if l.bg == nil || l.bg.now == nil {
		return time.Now()
	}
	return l.bg.now()
}

// notAfter caps t at now so a skewed event clock cannot push cursors or
// report ages past the present
func notAfter(t, now time.Time) time.Time {
	if t.After(now) {
		return now
	}
	return t
}

func (l *SubscriptionList[T]) advance(ctx context.Context, source string, ts int64) {
	l.mu.RLock()
	st, ok := l.sources[source]
	l.mu.RUnlock()
	if !ok {
		return
	}
	for {
		cur := st.lastSeen.Load()
		if ts <= cur {
			return
		}
		if st.lastSeen.CompareAndSwap(cur, ts) {
			l.storeCursor(ctx, source, ts)
			return
		}
	}
}

// Remove unsubscribes from source: its background subscription is stopped
// before its contributions are purged, so nothing from it lands afterwards.
func (l *SubscriptionList[T]) Remove(ctx context.Context, source string) (bool, error) {
	l.mu.Lock()
	st, ok := l.sources[source]
	if !ok {
		l.mu.Unlock()
		return false, nil
	}
	delete(l.sources, source)
	l.mu.Unlock()

	if st.cancel != nil {
		st.cancel()
	}
	<-st.done

	l.mu.Lock()
	var err error
	if l.hooks.Purge != nil {
		err = l.hooks.Purge(ctx, source)
	}
	sources := l.sortedLocked()
	l.persistSources(ctx, sources)
	l.mu.Unlock()

	if l.cache != nil {
		if cerr := l.cache.Merge(ctx, cacheKey(storeCursor, l.name, source), func([]byte) ([]byte, error) { return nil, nil }); cerr != nil {
			log.Warn().Err(cerr).Str("list", l.name).Msg("moderation: failed to drop cursor")
		}
	}
	metrics.Subscriptions.WithLabelValues(l.name).Set(float64(len(sources)))
	log.Info().Str("list", l.name).Str("source", source).Msg("moderation: unsubscribed")
	return true, err
}

// Contains reports whether source is subscribed
func (l *SubscriptionList[T]) Contains(source string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.sources[source]
	return ok
}

// Sources returns the subscribed sources in sorted order
func (l *SubscriptionList[T]) Sources() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sortedLocked()
}

// Unavailable returns the subscribed sources currently marked unavailable
func (l *SubscriptionList[T]) Unavailable() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for src, st := range l.sources {
		if !st.available.Load() {
			out = append(out, src)
		}
	}
	sort.Strings(out)
	return out
}

// IsAvailable reports whether source is subscribed and not marked unavailable
func (l *SubscriptionList[T]) IsAvailable(source string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.sources[source]
	return ok && st.available.Load()
}

// SetAvailable overrides the availability of a subscribed source
func (l *SubscriptionList[T]) SetAvailable(source string, available bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if st, ok := l.sources[source]; ok {
		st.available.Store(available)
	}
}

// LastSeen returns the resume cursor for source
func (l *SubscriptionList[T]) LastSeen(source string) time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st, ok := l.sources[source]
	if !ok || st.lastSeen.Load() == 0 {
		return time.Time{}
	}
	return time.Unix(st.lastSeen.Load(), 0).UTC()
}

// Restore re-subscribes to the sources persisted in the cache
func (l *SubscriptionList[T]) Restore(ctx context.Context) error {
	if l.cache == nil {
		return nil
	}
	raw, err := l.cache.Get(ctx, cacheKey(storeSubs, l.name))
	if err != nil || raw == nil {
		return err
	}
	var snap subsSnapshot
	if _, err := decodeSnapshot(raw, &snap); err != nil {
		return err
	}
	for _, src := range snap.Sources {
		if err := l.Add(ctx, src); err != nil {
			return err
		}
	}
	return nil
}

func (l *SubscriptionList[T]) sortedLocked() []string {
	out := make([]string, 0, len(l.sources))
	for src := range l.sources {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

type subsSnapshot struct {
	Sources []string `json:"sources"`
}

type cursorSnapshot struct {
	LastSeen int64 `json:"last_seen"`
}

func (l *SubscriptionList[T]) persistSources(ctx context.Context, sources []string) {
	err := mergeSnapshot(ctx, l.cache, cacheKey(storeSubs, l.name), func(cur *subsSnapshot) bool {
		cur.Sources = sources
		return len(sources) > 0
	})
	if err != nil {
		log.Warn().Err(err).Str("list", l.name).Msg("moderation: failed to persist subscriptions")
	}
}

func (l *SubscriptionList[T]) loadCursor(ctx context.Context, source string) int64 {
	if l.cache == nil {
		return 0
	}
	raw, err := l.cache.Get(ctx, cacheKey(storeCursor, l.name, source))
	if err != nil || raw == nil {
		return 0
	}
	var snap cursorSnapshot
	if _, err := decodeSnapshot(raw, &snap); err != nil {
		return 0
	}
	return snap.LastSeen
}

func (l *SubscriptionList[T]) storeCursor(ctx context.Context, source string, ts int64) {
	err := mergeSnapshot(ctx, l.cache, cacheKey(storeCursor, l.name, source), func(cur *cursorSnapshot) bool {
		if ts > cur.LastSeen {
			cur.LastSeen = ts
		}
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("list", l.name).Msg("moderation: failed to persist cursor")
	}
}

func shortID(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
