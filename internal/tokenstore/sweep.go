package tokenstore

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartSweeper runs a background goroutine that deletes expired pseudonym
// mappings every interval, until ctx is cancelled. The returned channel is
// closed when the goroutine exits, so callers can synchronize shutdown
// before closing the store.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepOnce(ctx)
			}
		}
	}()
	return done
}

func (s *Store) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("tokenstore sweeper: recovered from panic")
		}
	}()

	n, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		log.Error().Err(err).Msg("tokenstore sweeper: delete expired mappings failed")
		return
	}
	if n > 0 {
		log.Debug().Int64("deleted", n).Msg("tokenstore sweeper: removed expired mappings")
	}
}
