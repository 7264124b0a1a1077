package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// A nil function is skipped.
type StatsSource struct {
	ReportTargets      func() int
	LabelSets          func() int
	PersonalMuteOwners func() int
	UnavailableSources func() int
	OpenRelayConns     func() int
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.ReportTargets != nil {
		ReportTargets.Set(float64(src.ReportTargets()))
	}
	if src.LabelSets != nil {
		LabelSets.Set(float64(src.LabelSets()))
	}
	if src.PersonalMuteOwners != nil {
		PersonalMuteOwners.Set(float64(src.PersonalMuteOwners()))
	}
	if src.UnavailableSources != nil {
		UnavailableSources.Set(float64(src.UnavailableSources()))
	}
	if src.OpenRelayConns != nil {
		RelayConnectionState.Set(float64(src.OpenRelayConns()))
	}
}
