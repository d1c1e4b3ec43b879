package room

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartJanitor sweeps stale sessions every interval until ctx ends. onSweep,
// if set, receives the number removed by each pass.
func (s *Service) StartJanitor(ctx context.Context, interval, staleAfter time.Duration, onSweep func(int)) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.SweepStale(ctx, staleAfter)
				if err != nil {
					log.Warn().Err(err).Msg("janitor sweep failed")
					continue
				}
				if removed > 0 {
					log.Info().Int("removed", removed).Msg("janitor swept stale sessions")
				}
				if onSweep != nil {
					onSweep(removed)
				}
			}
		}
	}()
}
