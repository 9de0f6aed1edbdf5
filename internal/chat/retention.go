package chat

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRetention calls ClearOldSessions every interval until ctx is done.
// A non-positive interval disables the loop.
func (s *Service) RunRetention(ctx context.Context, interval time.Duration, keepCount int) {
	if interval <= 0 {
		return
	}

	s.logger.Info("Starting retention worker",
		zap.Duration("interval", interval),
		zap.Int("keep", keepCount))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping retention worker")
			return
		case <-ticker.C:
			if !s.ClearOldSessions(ctx, keepCount) {
				s.logger.Warn("Retention pass failed", zap.Int("keep", keepCount))
			}
		}
	}
}
