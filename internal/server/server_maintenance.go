package server

import (
	"context"
	"time"
)

const defaultJanitorInterval = 10 * time.Minute

// expiredSessionPurger is implemented by session stores that keep expired
// rows around until swept. Redis expires keys on its own.
type expiredSessionPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

func (s *Server) runJanitor(ctx context.Context) {
	interval := s.cfg.JanitorInterval
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, time.Now())
		}
	}
}

func (s *Server) sweep(ctx context.Context, now time.Time) {
	if purger, ok := s.sessions.(expiredSessionPurger); ok {
		removed, err := purger.PurgeExpired(ctx, now)
		if err != nil {
			s.log.Warn("session purge failed", "err", err)
		} else if removed > 0 {
			s.log.Info("purged expired sessions", "count", removed)
		}
	}
	if n := s.limiter.cleanup(now); n > 0 {
		s.log.Debug("dropped idle rate limit buckets", "count", n)
	}
}
