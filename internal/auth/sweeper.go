package auth

import (
	"context"
	"log"
	"time"
)

// DefaultSweepInterval is how often expired sessions are purged from the
// database when the config does not say otherwise.
const DefaultSweepInterval = time.Hour

// StartSessionSweeper deletes rows whose refresh window has fully closed.
// Rows with only the access token expired stay: they are still refreshable.
func (s *Service) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, interval)
}

func (s *Service) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepExpiredSessions(ctx); err != nil {
				log.Printf("sweep expired sessions error: %v", err)
			}
		}
	}
}

func (s *Service) sweepExpiredSessions(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE refresh_expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return err
	}
	if removed, _ := res.RowsAffected(); removed > 0 {
		log.Printf("swept %d dead sessions", removed)
	}
	return nil
}
