package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		// Exact routes (no normalization needed)
		{"/", "/"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/api/check", "/api/check"},

		// Targets
		{"/api/reports/abc123", "/api/reports/:target"},
		{"/api/labels/abc123/moderation", "/api/labels/:target/:namespace"},
		{"/api/mutes/abc123", "/api/mutes/:owner"},

		// Shapes that don't match a known route are left alone
		{"/api/labels/abc123", "/api/labels/abc123"},
		{"/api/reports/abc123/extra", "/api/reports/abc123/extra"},
		{"/other/a/b", "/other/a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizePath(tt.input))
		})
	}
}

func TestCollect(t *testing.T) {
	collect(StatsSource{
		ReportTargets:      func() int { return 7 },
		LabelSets:          func() int { return 3 },
		PersonalMuteOwners: func() int { return 2 },
		UnavailableSources: func() int { return 1 },
		OpenRelayConns:     func() int { return 4 },
	})

	assert.Equal(t, 7.0, testutil.ToFloat64(ReportTargets))
	assert.Equal(t, 3.0, testutil.ToFloat64(LabelSets))
	assert.Equal(t, 2.0, testutil.ToFloat64(PersonalMuteOwners))
	assert.Equal(t, 1.0, testutil.ToFloat64(UnavailableSources))
	assert.Equal(t, 4.0, testutil.ToFloat64(RelayConnectionState))
}

func TestCollectSkipsNilSources(t *testing.T) {
	ReportTargets.Set(11)
	collect(StatsSource{})
	assert.Equal(t, 11.0, testutil.ToFloat64(ReportTargets))
}
