package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telehealth/pkg/types"
)

// EnforceTimeouts ends ACTIVE sessions idle for longer than the inactivity
// timeout, measured from lastActivityAt or startedAt. Failures are logged per
// session; the sweep continues. It returns how many sessions were ended.
func (m *Manager) EnforceTimeouts(ctx context.Context) (int, error) {
	sessions, err := m.store.ListSessions(ctx, types.SessionFilter{
		Statuses:   []types.SessionStatus{types.StatusActive},
		ActiveOnly: true,
	})
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	now := m.now().UTC()
	ended := 0
	for _, s := range sessions {
		ref := s.LastActivityAt
		if ref == nil {
			ref = s.StartedAt
		}
		if ref == nil || now.Sub(*ref) <= m.config.InactivityTimeout {
			continue
		}

		_, err := m.End(ctx, s.ID, types.ActorSystem, EndOptions{Notes: InactivityNote})
		switch {
		case err == nil:
			ended++
		case errors.Is(err, types.ErrPreconditionFailed):
			// ended or cancelled by a participant since the scan
			m.logger.Debug().Str("session_id", s.ID).Msg("timeout skipped, session already closed")
		default:
			m.logger.Error().Err(err).Str("session_id", s.ID).Msg("timeout end failed")
		}
	}
	return ended, nil
}

// CleanupRetention soft-deletes terminal sessions whose end or cancel time is
// older than the retention window. Nothing is hard-deleted.
func (m *Manager) CleanupRetention(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.config.Retention)
	filters := []types.SessionFilter{
		{Statuses: []types.SessionStatus{types.StatusCompleted}, EndedBefore: &cutoff, ActiveOnly: true},
		{Statuses: []types.SessionStatus{types.StatusCancelled}, CancelledBefore: &cutoff, ActiveOnly: true},
	}

	removed := 0
	for _, filter := range filters {
		sessions, err := m.store.ListSessions(ctx, filter)
		if err != nil {
			return removed, fmt.Errorf("list expired sessions: %w", err)
		}
		for _, s := range sessions {
			_, err := m.mutate(ctx, s.ID, func(rec *types.Session, _ time.Time) error {
				rec.Active = false
				rec.Available = false
				return nil
			})
			if err != nil {
				m.logger.Error().Err(err).Str("session_id", s.ID).Msg("retention cleanup failed")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info().Int("sessions", removed).Msg("retention cleanup soft-deleted sessions")
	}
	return removed, nil
}
