package store

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type staleReleaser interface {
	ReleaseStaleAnonymousProfiles(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartAnonymousReleaser periodically releases profiles held by anonymous
// users that have not been seen within retention. It stops when ctx ends.
func StartAnonymousReleaser(
	ctx context.Context,
	store staleReleaser,
	interval time.Duration,
	retention time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				released, err := store.ReleaseStaleAnonymousProfiles(ctx, time.Now().Add(-retention))
				if err != nil {
					log.Error("failed to release stale anonymous profiles", zap.Error(err))
					continue
				}
				if released > 0 {
					log.Info("released stale anonymous profiles", zap.Int64("released", released))
				}
			}
		}
	}()
}
