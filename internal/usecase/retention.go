package usecase

import (
	"context"
	"time"

	"marketchat/pkg/logger"
)

// RunRetention purges expired messages every interval until ctx is done.
func (uc *ChatUseCase) RunRetention(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := uc.PurgeExpiredMessages(ctx)
			if err != nil {
				logger.L().Error().Err(err).Msg("retention: failed to purge expired messages")
				continue
			}
			if purged > 0 {
				logger.L().Info().Int("purged", purged).Msg("retention: purged expired messages")
			}
		}
	}
}
