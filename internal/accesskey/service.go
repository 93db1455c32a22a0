package accesskey

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telehealth/internal/metrics"
	"telehealth/pkg/interfaces"
	"telehealth/pkg/types"
)

var (
	// ErrInvalidKey is returned for a wrong code. It deliberately carries no
	// detail about how many attempts remain.
	ErrInvalidKey = fmt.Errorf("%w: invalid access key", types.ErrUnauthorized)

	ErrSessionClosed = fmt.Errorf("%w: session is no longer open", types.ErrPreconditionFailed)
	ErrNoContact     = fmt.Errorf("%w: session has no client contact", types.ErrInvalidInput)
	ErrNotDelivered  = fmt.Errorf("%w: access key not delivered on any channel", types.ErrUpstreamUnavailable)
)

// Config carries the settings of the access-key service.
type Config struct {
	Policy Policy
	// PublicBaseURL prefixes the join link sent with a code.
	PublicBaseURL string
	// LeadTime is how far ahead of scheduledAt SendUpcoming delivers codes.
	LeadTime time.Duration
}

// Service validates and delivers access keys against the session store.
type Service struct {
	store    interfaces.SessionStore
	notifier interfaces.Notifier
	config   Config
	now      func() time.Time
	logger   zerolog.Logger

	// Key state of one session is read, changed and written under its stripe.
	stripes [64]sync.Mutex
}

// NewService creates an access-key service.
func NewService(store interfaces.SessionStore, notifier interfaces.Notifier, config Config) *Service {
	if config.Policy.MaxAttempts <= 0 {
		config.Policy = DefaultPolicy()
	}
	if config.LeadTime <= 0 {
		config.LeadTime = 24 * time.Hour
	}
	return &Service{
		store:    store,
		notifier: notifier,
		config:   config,
		now:      time.Now,
		logger:   log.With().Str("component", "accesskey").Logger(),
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Validate checks code for the session and persists the attempt outcome.
// During a lockout it fails with *types.LockedError even for a correct code.
// On success a legacy plaintext key is replaced by its digest.
func (s *Service) Validate(ctx context.Context, sessionID, code string) (*types.PublicSession, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.config.Policy.Locked(session, now); err != nil {
		metrics.AccessKeyValidations.WithLabelValues("locked").Inc()
		return nil, err
	}
	if session.AccessKeyLockedUntil != nil {
		// lockout elapsed, start a fresh window of attempts
		session.AccessKeyLockedUntil = nil
		session.AccessKeyValidationAttempts = 0
	}

	ok := Verify(code, session.AccessKeyHash, session.AccessKey)
	s.config.Policy.RecordAttempt(session, ok, now)
	if ok {
		session.AccessKeyValidated = true
		session.AccessKeyValidatedAt = &now
		if session.AccessKeyHash == "" {
			session.AccessKeyHash = Hash(session.AccessKey)
			session.AccessKey = ""
			s.logger.Info().Str("session_id", sessionID).Msg("legacy access key rehashed")
		}
	}

	if err := s.store.UpdateAccessKeyState(ctx, sessionID, session.KeyState()); err != nil {
		return nil, fmt.Errorf("persist access key attempt: %w", err)
	}

	if !ok {
		metrics.AccessKeyValidations.WithLabelValues("invalid").Inc()
		ev := s.logger.Warn().Str("session_id", sessionID).Int("attempts", session.AccessKeyValidationAttempts)
		if session.AccessKeyLockedUntil != nil {
			ev = ev.Time("locked_until", *session.AccessKeyLockedUntil)
		}
		ev.Msg("access key rejected")
		return nil, ErrInvalidKey
	}

	metrics.AccessKeyValidations.WithLabelValues("success").Inc()
	return session.Public(), nil
}

// SendAccessKey mints a fresh code for the session and delivers it over every
// channel the client has a contact for. The new digest is stored only when at
// least one channel succeeds.
func (s *Service) SendAccessKey(ctx context.Context, sessionID string) (*types.PublicSession, error) {
	session, err := s.deliver(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	return session.Public(), nil
}

// SendUpcoming delivers codes for scheduled sessions starting within the lead
// time that have not had one sent. Failures are logged per session and do not
// stop the batch. It returns how many sessions were delivered.
func (s *Service) SendUpcoming(ctx context.Context) (int, error) {
	notSent := false
	horizon := s.now().UTC().Add(s.config.LeadTime)
	sessions, err := s.store.ListSessions(ctx, types.SessionFilter{
		Statuses:      []types.SessionStatus{types.StatusScheduled},
		ScheduledTo:   &horizon,
		AccessKeySent: &notSent,
		ActiveOnly:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("list upcoming sessions: %w", err)
	}

	sent := 0
	for _, session := range sessions {
		if session.ClientEmail == "" && session.ClientPhone == "" {
			continue
		}
		delivered, err := s.deliver(ctx, session.ID, true)
		if err != nil {
			s.logger.Error().Err(err).Str("session_id", session.ID).Msg("access key batch delivery failed")
			continue
		}
		if delivered != nil {
			sent++
		}
	}
	return sent, nil
}

// deliver rotates and sends the key of sessionID under its stripe lock. With
// unsentOnly a session already sent by a concurrent run is skipped and nil
// is returned.
func (s *Service) deliver(ctx context.Context, sessionID string, unsentOnly bool) (*types.Session, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if unsentOnly && session.AccessKeySent {
		return nil, nil
	}

	type target struct{ channel, recipient string }
	var targets []target
	if session.ClientEmail != "" {
		targets = append(targets, target{interfaces.ChannelEmail, session.ClientEmail})
	}
	if session.ClientPhone != "" {
		targets = append(targets, target{interfaces.ChannelWhatsApp, session.ClientPhone})
	}
	if len(targets) == 0 {
		return nil, ErrNoContact
	}

	code, err := Rotate(session)
	if err != nil {
		return nil, err
	}
	body := s.messageBody(session, code)

	var errs []error
	delivered := false
	for _, t := range targets {
		err := s.notifier.SendMessage(ctx, t.channel, t.recipient, body)
		metrics.AccessKeyDeliveries.WithLabelValues(t.channel, metrics.Result(err)).Inc()
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Str("channel", t.channel).Msg("access key delivery failed")
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if !delivered {
		return nil, fmt.Errorf("%w: %v", ErrNotDelivered, errors.Join(errs...))
	}

	now := s.now().UTC()
	session.AccessKeySent = true
	session.AccessKeySentAt = &now
	if err := s.store.UpdateAccessKeyState(ctx, session.ID, session.KeyState()); err != nil {
		return nil, fmt.Errorf("persist access key delivery: %w", err)
	}
	s.logger.Info().Str("session_id", session.ID).Int("channels", len(targets)-len(errs)).Msg("access key delivered")
	return session, nil
}

// load reads a session that can still be joined.
func (s *Service) load(ctx context.Context, sessionID string) (*types.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active {
		return nil, interfaces.ErrSessionNotFound
	}
	if session.Status.IsTerminal() {
		return nil, ErrSessionClosed
	}
	return session, nil
}

func (s *Service) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	mu := &s.stripes[h.Sum32()%uint32(len(s.stripes))]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) messageBody(session *types.Session, code string) string {
	link := strings.TrimSuffix(s.config.PublicBaseURL, "/") + "/telemedicine/" + session.ID
	return fmt.Sprintf(
		"Your telemedicine consultation is scheduled for %s UTC.\nAccess code: %s\nJoin here: %s",
		session.ScheduledAt.UTC().Format("2006-01-02 15:04"), code, link,
	)
}
