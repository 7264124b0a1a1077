package moderation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, clock *testClock, cache Cache) *ReportAggregator {
	t.Helper()
	return newReportAggregator(DefaultConfig(), clock.Now, cache, nil, &watermark{})
}

func reporters(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = identity(1000 + i)
	}
	return out
}

func addReports(t *testing.T, a *ReportAggregator, target string, typ ReportType, from []string, at time.Time) {
	t.Helper()
	for _, r := range from {
		a.AddReport(context.Background(), Report{
			ID:             newEventID(),
			TargetID:       target,
			ReporterPubkey: r,
			Type:           typ,
			CreatedAt:      at,
		})
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name       string
		agg        ReportAggregation
		action     Action
		confidence float64
	}{
		{"no evidence", ReportAggregation{}, ActionAllow, 0.0},
		{"single untrusted", ReportAggregation{TotalCount: 1}, ActionAllow, 0.0},
		{"two untrusted", ReportAggregation{TotalCount: 2}, ActionBlur, 0.6},
		{"one trusted", ReportAggregation{TrustedCount: 1, TotalCount: 1}, ActionBlur, 0.6},
		{"three trusted", ReportAggregation{TrustedCount: 3, TotalCount: 3}, ActionHide, 0.9},
		{"five total", ReportAggregation{TotalCount: 5}, ActionHide, 0.9},
		{"one illegal", ReportAggregation{CountsByType: map[ReportType]int{ReportIllegal: 1}, TotalCount: 1}, ActionAllow, 0.0},
		{"two illegal", ReportAggregation{CountsByType: map[ReportType]int{ReportIllegal: 2}, TotalCount: 2}, ActionBlock, 1.0},
		{"one csam", ReportAggregation{CountsByType: map[ReportType]int{ReportCSAM: 1}, TotalCount: 1}, ActionBlock, 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, conf := recommend(tt.agg)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.confidence, conf)
		})
	}
}

func TestReportAggregator_IgnoresReportersOutsideNetwork(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	target := hexID(1)

	addReports(t, a, target, ReportSpam, reporters(5), epoch)
	agg := a.GetReportsForEvent(target)
	assert.Equal(t, 0, agg.TotalCount)
	assert.Equal(t, ActionAllow, agg.Recommendation)

	a.SubscribeToNetworkReports(context.Background(), reporters(2))
	addReports(t, a, target, ReportSpam, reporters(5), epoch)
	agg = a.GetReportsForEvent(target)
	assert.Equal(t, 2, agg.TotalCount, "only reporters in the network set count")
}

func TestReportAggregator_Monotonic(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	all := reporters(8)
	a.SubscribeToNetworkReports(context.Background(), all)
	target := hexID(2)

	prev := ActionAllow
	for i, r := range all {
		addReports(t, a, target, ReportSpam, []string{r}, epoch)
		agg := a.GetReportsForEvent(target)
		require.Equal(t, i+1, agg.TotalCount)
		assert.GreaterOrEqual(t, agg.Recommendation, prev, "severity dropped at %d reports", i+1)
		prev = agg.Recommendation
	}
	assert.Equal(t, ActionHide, prev)
}

func TestReportAggregator_CSAMOverride(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	rs := reporters(1)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(3)

	addReports(t, a, target, ReportCSAM, rs, epoch)
	agg := a.GetReportsForEvent(target)
	assert.Equal(t, ActionBlock, agg.Recommendation)
	assert.Equal(t, 1.0, agg.Confidence)
	assert.True(t, forcedByReports(agg))
}

func TestReportAggregator_Dedup(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	rs := reporters(1)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(4)

	addReports(t, a, target, ReportSpam, rs, epoch.Add(-time.Minute))
	addReports(t, a, target, ReportSpam, rs, epoch)

	agg := a.GetReportsForEvent(target)
	assert.Equal(t, 1, agg.TotalCount)
	assert.Equal(t, 1, agg.CountsByType[ReportSpam])

	raw := a.RawReports(target)
	require.Len(t, raw, 1)
	assert.Equal(t, epoch, raw[0].CreatedAt, "newest copy wins")

	// a different type from the same reporter is a separate report
	addReports(t, a, target, ReportHarassment, rs, epoch)
	assert.Equal(t, 2, a.GetReportsForEvent(target).TotalCount)
}

func TestReportAggregator_UnknownTypeCountsAsOther(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	rs := reporters(2)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(5)

	addReports(t, a, target, ReportType("Profanity"), rs, epoch)
	agg := a.GetReportsForEvent(target)
	assert.Equal(t, 2, agg.CountsByType[ReportOther])
	assert.Equal(t, ActionBlur, agg.Recommendation)
}

func TestReportAggregator_Expiry(t *testing.T) {
	clock := newTestClock()
	a := newTestAggregator(t, clock, nil)
	rs := reporters(5)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(6)

	addReports(t, a, target, ReportSpam, rs, clock.Now().Add(-8*24*time.Hour))

	agg := a.GetReportsForEvent(target)
	assert.Equal(t, ActionAllow, agg.Recommendation)
	assert.Equal(t, 0, agg.TotalCount)
	assert.Len(t, a.RawReports(target), 5, "expired reports stay stored")
}

func TestReportAggregator_ExpiryIsLazyAcrossMemo(t *testing.T) {
	clock := newTestClock()
	a := newTestAggregator(t, clock, nil)
	rs := reporters(5)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(7)

	addReports(t, a, target, ReportSpam, rs, clock.Now().Add(-6*24*time.Hour))
	assert.Equal(t, ActionHide, a.GetReportsForEvent(target).Recommendation)

	// still inside the window: memoized result holds
	clock.Advance(24 * time.Hour)
	assert.Equal(t, ActionHide, a.GetReportsForEvent(target).Recommendation)

	// past the window without any write in between
	clock.Advance(time.Second)
	assert.Equal(t, ActionAllow, a.GetReportsForEvent(target).Recommendation)
}

func TestReportAggregator_FutureReportsAreClamped(t *testing.T) {
	clock := newTestClock()
	a := newTestAggregator(t, clock, nil)
	rs := reporters(5)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(8)

	addReports(t, a, target, ReportSpam, rs, clock.Now().Add(365*24*time.Hour))
	for _, r := range a.RawReports(target) {
		assert.Equal(t, clock.Now(), r.CreatedAt)
	}
	assert.Equal(t, ActionHide, a.GetReportsForEvent(target).Recommendation)

	clock.Advance(7*24*time.Hour + time.Second)
	assert.Equal(t, ActionAllow, a.GetReportsForEvent(target).Recommendation)
}

func TestReportAggregator_EscalationScenario(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	untrusted := reporters(4)
	trusted := hexID(2000)
	a.SetTrustedReviewers([]string{trusted})
	a.SubscribeToNetworkReports(context.Background(), append([]string{trusted}, untrusted...))
	target := hexID(8)

	addReports(t, a, target, ReportSpam, untrusted[:2], epoch)
	addReports(t, a, target, ReportSpam, []string{trusted}, epoch)

	agg := a.GetReportsForEvent(target)
	assert.Equal(t, 3, agg.TotalCount)
	assert.Equal(t, 1, agg.TrustedCount)
	assert.Equal(t, ActionBlur, agg.Recommendation)

	addReports(t, a, target, ReportSpam, untrusted[2:], epoch)
	agg = a.GetReportsForEvent(target)
	assert.Equal(t, 5, agg.TotalCount)
	assert.Equal(t, ActionHide, agg.Recommendation)
}

func TestReportAggregator_ConcurrentWritesSameTarget(t *testing.T) {
	a := newTestAggregator(t, newTestClock(), nil)
	rs := reporters(64)
	a.SubscribeToNetworkReports(context.Background(), rs)
	target := hexID(9)

	var wg sync.WaitGroup
	for _, r := range rs {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			addReports(t, a, target, ReportSpam, []string{r}, epoch)
		}(r)
	}
	wg.Wait()

	assert.Equal(t, 64, a.GetReportsForEvent(target).TotalCount)
}

func TestReportAggregator_PersistsAndRestores(t *testing.T) {
	cache, err := NewMemCache(1024)
	require.NoError(t, err)
	clock := newTestClock()
	ctx := context.Background()

	a := newTestAggregator(t, clock, cache)
	rs := reporters(3)
	a.SubscribeToNetworkReports(ctx, rs)
	for i := 0; i < 3; i++ {
		addReports(t, a, hexID(100+i), ReportSpam, rs, epoch)
	}

	restored := newTestAggregator(t, clock, cache)
	require.NoError(t, restored.restore(ctx))

	assert.Equal(t, 3, restored.TargetCount())
	for i := 0; i < 3; i++ {
		target := hexID(100 + i)
		assert.Equal(t, a.GetReportsForEvent(target), restored.GetReportsForEvent(target), fmt.Sprintf("target %d", i))
	}

	// network set survives the restart
	addReports(t, restored, hexID(200), ReportSpam, rs[:1], epoch)
	assert.Equal(t, 1, restored.GetReportsForEvent(hexID(200)).TotalCount)
}
