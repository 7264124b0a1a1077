package moderation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"verdict/internal/events"
	"verdict/internal/metrics"
	"verdict/internal/tracing"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type nowFunc func() time.Time

// watermark is the commit time of the latest state change across all stores.
// Decisions carry it as ComputedAt so identical state yields identical decisions.
type watermark struct {
	nanos atomic.Int64
}

func (w *watermark) advance(t time.Time) {
	ns := t.UnixNano()
	for {
		cur := w.nanos.Load()
		if ns <= cur {
			return
		}
		if w.nanos.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (w *watermark) time() time.Time {
	ns := w.nanos.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Signal confidences
const (
	personalMuteConfidence   = 1.0
	subscribedMuteConfidence = 0.8
	labelBlurConfidence      = 0.6
	labelHideConfidence      = 0.9
)

// Coordinator merges the safety list, mutes, reports and labels into a single
// decision per (caller, event). Decisions read only committed in-memory state
// and never wait on the network.
type Coordinator struct {
	cfg    Config
	now    nowFunc
	safety *SafetyList
	cache  Cache
	audit  AuditLog
	wm     *watermark
	bg     *background
	cancel context.CancelFunc
	tids   *syntax.TIDClock

	reports *ReportAggregator
	labels  *LabelStore
	mutes   *MuteIndex
}

type options struct {
	src    EventSource
	cache  Cache
	audit  AuditLog
	now    nowFunc
	safety *SafetyList
	retry  retryPolicy
}

// Option configures a Coordinator
type Option func(*options)

// WithEventSource sets the transport background subscriptions run on.
// Without one, events arrive only through Ingest.
func WithEventSource(src EventSource) Option {
	return func(o *options) { o.src = src }
}

// WithCache sets the persisted cache shared by the stores
func WithCache(c Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithAuditLog records subscription changes
func WithAuditLog(a AuditLog) Option {
	return func(o *options) { o.audit = a }
}

// WithClock overrides the wall clock used for report expiry and commit times
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSafetyList sets the built-in blocklist, replacing Config.SafetyListPath
func WithSafetyList(s *SafetyList) Option {
	return func(o *options) { o.safety = s }
}

func withRetry(base, maxBackoff time.Duration) Option {
	return func(o *options) { o.retry = retryPolicy{base: base, max: maxBackoff} }
}

// NewCoordinator validates cfg and wires the stores. Call Restore to reload
// persisted state and Close to stop background subscriptions.
func NewCoordinator(cfg Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{now: time.Now, retry: defaultRetry}
	for _, opt := range opts {
		opt(&o)
	}

	if o.safety == nil && cfg.SafetyListPath != "" {
		s, err := LoadSafetyList(cfg.SafetyListPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load safety list: %w", err)
		}
		o.safety = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:    cfg,
		now:    o.now,
		safety: o.safety,
		cache:  o.cache,
		audit:  o.audit,
		wm:     &watermark{},
		bg:     &background{ctx: ctx, src: o.src, now: o.now, retry: o.retry},
		cancel: cancel,
		tids:   syntax.NewTIDClock(0),
	}
	c.reports = newReportAggregator(cfg, c.now, c.cache, c.bg, c.wm)
	c.labels = newLabelStore(cfg, c.now, c.cache, c.bg, c.wm)
	c.mutes = newMuteIndex(cfg, c.now, c.cache, c.bg, c.wm)

	log.Info().
		Int("safety_rules", c.safety.Len()).
		Strs("namespaces", cfg.ModerationNamespaces).
		Bool("transport", o.src != nil).
		Msg("moderation: coordinator ready")
	return c, nil
}

// Reports returns the report aggregator
func (c *Coordinator) Reports() *ReportAggregator { return c.reports }

// Labels returns the label store
func (c *Coordinator) Labels() *LabelStore { return c.labels }

// Mutes returns the mute index
func (c *Coordinator) Mutes() *MuteIndex { return c.mutes }

// Restore rebuilds every store from the cache and resumes their subscriptions
// from the persisted cursors.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.reports.restore(gctx); err != nil {
			return fmt.Errorf("failed to restore reports: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.labels.restore(gctx); err != nil {
			return fmt.Errorf("failed to restore labels: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.mutes.restore(gctx); err != nil {
			return fmt.Errorf("failed to restore mutes: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats := c.Stats()
	log.Info().
		Int("report_targets", stats.ReportTargets).
		Int("label_sets", stats.LabelSets).
		Int("labelers", len(stats.Labelers)).
		Int("mute_lists", len(stats.MuteLists)).
		Dur("took", time.Since(start)).
		Msg("moderation: state restored")
	return nil
}

// Close stops every background subscription and waits for them to exit
func (c *Coordinator) Close() {
	c.reports.close()
	c.cancel()
	c.bg.wg.Wait()
}

// Ingest classifies a raw event and routes it to its store. Malformed events
// are dropped with a *events.MalformedEventError; events from sources the
// engine does not follow are ignored without error.
func (c *Coordinator) Ingest(ctx context.Context, evt events.Event) error {
	kind := strconv.Itoa(evt.Kind)
	parsed, err := events.Parse(evt, c.now())
	if err != nil {
		if errors.Is(err, events.ErrUnsupportedKind) {
			metrics.EventsIngestedTotal.WithLabelValues(kind, "unsupported").Inc()
			return err
		}
		metrics.MalformedEventsTotal.Inc()
		metrics.EventsIngestedTotal.WithLabelValues(kind, "malformed").Inc()
		return fmt.Errorf("dropping event: %w", err)
	}

	var applied bool
	switch p := parsed.(type) {
	case *events.ReportEvent:
		applied = c.reports.IngestEvent(ctx, p)
	case *events.LabelEvent:
		applied = c.labels.labelers.Ingest(ctx, p)
	case *events.MuteListEvent:
		applied = c.mutes.IngestList(ctx, p)
	}

	outcome := "ignored"
	if applied {
		outcome = "applied"
	}
	metrics.EventsIngestedTotal.WithLabelValues(kind, outcome).Inc()
	return nil
}

// SubscribeToLabeler adds a labeler; see LabelStore.SubscribeToLabeler
func (c *Coordinator) SubscribeToLabeler(ctx context.Context, pubkey string) error {
	if err := c.labels.SubscribeToLabeler(ctx, pubkey); err != nil {
		return err
	}
	c.logAudit(ctx, AuditSubscribeLabeler, pubkey, nil)
	return nil
}

// UnsubscribeFromLabeler removes a labeler and its labels
func (c *Coordinator) UnsubscribeFromLabeler(ctx context.Context, pubkey string) error {
	removed, err := c.labels.UnsubscribeFromLabeler(ctx, pubkey)
	if removed {
		c.logAudit(ctx, AuditUnsubscribeLabeler, pubkey, nil)
	}
	return err
}

// SubscribeToMuteList follows a mute list; see MuteIndex.SubscribeToMuteList
func (c *Coordinator) SubscribeToMuteList(ctx context.Context, listOwner string) error {
	if err := c.mutes.SubscribeToMuteList(ctx, listOwner); err != nil {
		return err
	}
	c.logAudit(ctx, AuditSubscribeMuteList, listOwner, nil)
	return nil
}

// UnsubscribeFromMuteList stops following a mute list and purges its entries
func (c *Coordinator) UnsubscribeFromMuteList(ctx context.Context, listOwner string) error {
	removed, err := c.mutes.UnsubscribeFromMuteList(ctx, listOwner)
	if removed {
		c.logAudit(ctx, AuditUnsubscribeMuteList, listOwner, nil)
	}
	return err
}

// SubscribeToNetworkReports restricts counted reports to the given reporters
func (c *Coordinator) SubscribeToNetworkReports(ctx context.Context, trusted []string) {
	c.reports.SubscribeToNetworkReports(ctx, trusted)
	c.logAudit(ctx, AuditSubscribeNetwork, networkSource, map[string]string{
		"reporters": strconv.Itoa(len(trusted)),
	})
}

// AddPersonalMute adds a mute that applies only to owner's decisions
func (c *Coordinator) AddPersonalMute(ctx context.Context, owner string, entry MuteEntry) error {
	added, err := c.mutes.AddPersonalMute(ctx, owner, entry)
	if err != nil {
		return err
	}
	if added {
		c.logAudit(ctx, AuditPersonalMuteAdded, owner, map[string]string{
			"kind": string(entry.Kind),
		})
	}
	return nil
}

func (c *Coordinator) logAudit(ctx context.Context, action AuditAction, target string, details map[string]string) {
	if c.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:        c.tids.Next().String(),
		Action:    action,
		TargetID:  target,
		Details:   details,
		Timestamp: c.now().UTC(),
	}
	if err := c.audit.LogAction(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", string(action)).Msg("moderation: failed to write audit entry")
	}
}

// AuditLog returns the most recent audit entries, newest first
func (c *Coordinator) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if c.audit == nil {
		return nil, nil
	}
	return c.audit.ListAuditLog(ctx, limit)
}

type candidate struct {
	source     SignalSource
	confidence float64
	forced     bool
}

// CheckContent returns the moderation decision for evt as seen by caller.
// It never fails: sources that are unavailable lower the confidence and set
// Degraded instead.
func (c *Coordinator) CheckContent(ctx context.Context, caller string, evt events.Event) Decision {
	_, span := tracing.CheckSpan(ctx, caller, evt.ID)
	defer span.End()
	start := time.Now()

	d := c.decide(caller, &evt)

	metrics.CheckDuration.Observe(time.Since(start).Seconds())
	metrics.DecisionsTotal.WithLabelValues(d.Action.String(), strconv.FormatBool(d.Degraded)).Inc()
	span.SetAttributes(
		attribute.String("moderation.action", d.Action.String()),
		attribute.Float64("moderation.confidence", d.Confidence),
		attribute.Bool("moderation.degraded", d.Degraded),
	)
	return d
}

func (c *Coordinator) decide(caller string, evt *events.Event) Decision {
	d := Decision{
		TargetID:   evt.ID,
		Action:     ActionAllow,
		Sources:    []SignalSource{},
		ComputedAt: c.wm.time(),
	}

	if detail, ok := c.safety.Match(evt); ok {
		d.Action = ActionBlock
		d.Sources = []SignalSource{{Kind: SignalBuiltin, Detail: detail, Action: ActionBlock}}
		d.Confidence = 1.0
		return d
	}

	var cands []candidate
	for _, m := range c.mutes.CheckContent(caller, evt) {
		if m.Source == MuteSourcePersonal {
			cands = append(cands, candidate{
				source:     SignalSource{Kind: SignalPersonalMute, Detail: string(m.Kind) + ":" + m.Value, Action: ActionHide},
				confidence: personalMuteConfidence,
			})
			continue
		}
		cands = append(cands, candidate{
			source:     SignalSource{Kind: SignalSubscribedMute, Detail: m.ListID + "/" + string(m.Kind) + ":" + m.Value, Action: ActionHide},
			confidence: subscribedMuteConfidence,
		})
	}

	targets := []struct{ id, scope string }{{evt.ID, "event"}}
	if evt.PubKey != "" && evt.PubKey != evt.ID {
		targets = append(targets, struct{ id, scope string }{evt.PubKey, "account"})
	}

	for _, t := range targets {
		if t.id == "" {
			continue
		}
		agg := c.reports.GetReportsForEvent(t.id)
		if agg.Recommendation > ActionAllow {
			cands = append(cands, candidate{
				source:     SignalSource{Kind: SignalReports, Detail: t.scope, Action: agg.Recommendation},
				confidence: agg.Confidence,
				forced:     forcedByReports(agg),
			})
		}

		for _, ns := range c.cfg.ModerationNamespaces {
			counts := c.labels.GetLabelCounts(t.id, ns)
			values := make([]string, 0, len(counts))
			for v := range counts {
				values = append(values, v)
			}
			sort.Strings(values)
			for _, v := range values {
				n := counts[v]
				var action Action
				var conf float64
				switch {
				case n >= c.cfg.LabelHideThreshold:
					action, conf = ActionHide, labelHideConfidence
				case n >= c.cfg.LabelConsensusThreshold:
					action, conf = ActionBlur, labelBlurConfidence
				default:
					continue
				}
				cands = append(cands, candidate{
					source:     SignalSource{Kind: SignalLabels, Detail: t.scope + " " + ns + "/" + v, Action: action},
					confidence: conf,
				})
			}
		}
	}

	return c.merge(d, cands)
}

// merge folds candidates into d: the most severe action wins, confidence is
// the highest contributing one less the conflict and degradation penalties.
// A forced candidate still pays the conflict penalty but not the degraded one.
func (c *Coordinator) merge(d Decision, cands []candidate) Decision {
	if d.Sources == nil {
		d.Sources = []SignalSource{}
	}
	if len(cands) == 0 {
		d.Degraded = c.degraded(d.Action)
		return d
	}

	lo, hi := ActionBlock, ActionAllow
	forced := false
	for _, cand := range cands {
		d.Action = MaxAction(d.Action, cand.source.Action)
		d.Confidence = math.Max(d.Confidence, cand.confidence)
		if cand.source.Action < lo {
			lo = cand.source.Action
		}
		if cand.source.Action > hi {
			hi = cand.source.Action
		}
		forced = forced || cand.forced
		d.Sources = append(d.Sources, cand.source)
	}
	if hi-lo > 1 {
		d.Confidence -= c.cfg.ConflictPenalty
	}
	if c.degraded(d.Action) {
		d.Degraded = true
		if !forced {
			d.Confidence -= c.cfg.DegradedPenalty
		}
	}
	d.Confidence = clampConfidence(d.Confidence)
	sortSources(d.Sources)
	return d
}

// degraded reports whether an unavailable source could still raise action.
// Reports reach block; labels and subscribed mutes stop at hide.
func (c *Coordinator) degraded(action Action) bool {
	if action >= ActionBlock {
		return false
	}
	if !c.reports.Available() {
		return true
	}
	if action >= ActionHide {
		return false
	}
	return len(c.labels.Unavailable()) > 0 || len(c.mutes.Unavailable()) > 0
}

// clampConfidence floors at zero and rounds away float noise from penalties
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	return math.Round(v*1000) / 1000
}

func sortSources(src []SignalSource) {
	sort.SliceStable(src, func(i, j int) bool {
		if src[i].Action != src[j].Action {
			return src[i].Action > src[j].Action
		}
		if src[i].Kind != src[j].Kind {
			return src[i].Kind < src[j].Kind
		}
		return src[i].Detail < src[j].Detail
	})
}

// Stats is a point-in-time summary of engine state
type Stats struct {
	ReportTargets      int      `json:"report_targets"`
	LabelSets          int      `json:"label_sets"`
	Labelers           []string `json:"labelers"`
	MuteLists          []string `json:"mute_lists"`
	PersonalMuteOwners int      `json:"personal_mute_owners"`
	Unavailable        []string `json:"unavailable,omitempty"`
}

// Stats returns counts for metrics and health reporting
func (c *Coordinator) Stats() Stats {
	s := Stats{
		ReportTargets:      c.reports.TargetCount(),
		LabelSets:          c.labels.SetSize(),
		Labelers:           c.labels.Labelers(),
		MuteLists:          c.mutes.MuteLists(),
		PersonalMuteOwners: c.mutes.PersonalOwners(),
	}
	if !c.reports.Available() {
		s.Unavailable = append(s.Unavailable, storeReports+":"+networkSource)
	}
	for _, pk := range c.labels.Unavailable() {
		s.Unavailable = append(s.Unavailable, labelerList+":"+pk)
	}
	for _, pk := range c.mutes.Unavailable() {
		s.Unavailable = append(s.Unavailable, muteListList+":"+pk)
	}
	return s
}
