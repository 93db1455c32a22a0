// Package backplane fans room broadcasts out to every process through Redis
// pattern pub/sub. When Redis is unreachable the adapter degrades to
// local-only delivery instead of blocking the relay.
package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"telehealth/internal/metrics"
	"telehealth/pkg/types"
)

// ErrUnavailable is returned by Publish while the breaker is open.
var ErrUnavailable = fmt.Errorf("%w: backplane unavailable", types.ErrUpstreamUnavailable)

// Config holds the Redis connection and resilience settings.
type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string

	// Connection attempts during Init.
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	PublishTimeout time.Duration
	// Consecutive publish failures that open the breaker, and how long it
	// stays open before a trial publish.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultConfig returns settings for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:            "localhost:6379",
		ChannelPrefix:   "telehealth:room:",
		MaxRetries:      5,
		InitialBackoff:  200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
		PublishTimeout:  2 * time.Second,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Receiver consumes broadcasts from other processes.
type Receiver func(b types.RoomBroadcast) error

// RedisAdapter publishes and receives room broadcasts.
type RedisAdapter struct {
	config  Config
	nodeID  string
	receive Receiver
	logger  zerolog.Logger

	client  *redis.Client
	pubsub  *redis.PubSub
	breaker *gobreaker.CircuitBreaker
	enabled atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewRedisAdapter creates an adapter. Nothing connects until Init.
func NewRedisAdapter(config Config, receive Receiver) *RedisAdapter {
	defaults := DefaultConfig()
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = defaults.ChannelPrefix
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = defaults.BreakerCooldown
	}

	a := &RedisAdapter{
		config:  config,
		nodeID:  uuid.NewString(),
		receive: receive,
		logger:  log.With().Str("component", "backplane").Logger(),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "backplane-publish",
		MaxRequests: 1,
		Timeout:     config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("backplane breaker state changed")
			// called under the breaker's lock, so State() must not be used here
			setGauge(a.enabled.Load() && to != gobreaker.StateOpen)
		},
	})
	return a
}

// NodeID identifies this process on the backplane.
func (a *RedisAdapter) NodeID() string { return a.nodeID }

// Init connects with bounded exponential backoff and subscribes to every
// room channel. On failure the adapter stays disabled and the caller should
// continue local-only.
func (a *RedisAdapter) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	client := redis.NewClient(&redis.Options{
		Addr:       a.config.Addr,
		Password:   a.config.Password,
		DB:         a.config.DB,
		MaxRetries: -1,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.config.InitialBackoff
	policy.MaxInterval = a.config.MaxBackoff

	_, err := backoff.Retry(ctx, func() (string, error) {
		pingCtx, cancel := context.WithTimeout(ctx, a.config.PublishTimeout)
		defer cancel()
		return client.Ping(pingCtx).Result()
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(a.config.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Warn().Err(err).Dur("retry_in", next).Msg("redis not reachable, retrying")
		}),
	)
	if err != nil {
		_ = client.Close()
		a.enabled.Store(false)
		a.publishGauge()
		return fmt.Errorf("connect backplane: %w", err)
	}

	pattern := a.config.ChannelPrefix + "*"
	pubsub := client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		a.publishGauge()
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	a.client = client
	a.pubsub = pubsub
	a.cancel = cancel
	a.enabled.Store(true)
	a.publishGauge()

	a.wg.Add(1)
	go a.listen(listenCtx, pubsub.Channel())

	a.logger.Info().Str("addr", a.config.Addr).Str("node_id", a.nodeID).Msg("backplane connected")
	return nil
}

// Enabled reports whether broadcasts currently reach other processes.
func (a *RedisAdapter) Enabled() bool {
	return a.enabled.Load() && a.breaker.State() != gobreaker.StateOpen
}

// Publish sends b to other processes. While disabled it is a no-op so the
// relay falls back to local delivery; while the breaker is open it fails fast.
func (a *RedisAdapter) Publish(ctx context.Context, b types.RoomBroadcast) error {
	if !a.enabled.Load() {
		metrics.BackplanePublishes.WithLabelValues("skipped").Inc()
		return nil
	}

	b.Origin = a.nodeID
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}

	_, err = a.breaker.Execute(func() (interface{}, error) {
		pubCtx, cancel := context.WithTimeout(ctx, a.config.PublishTimeout)
		defer cancel()
		return nil, a.client.Publish(pubCtx, a.channel(b.RoomID), data).Err()
	})
	metrics.BackplanePublishes.WithLabelValues(metrics.Result(err)).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

// Close stops the listener and disconnects.
func (a *RedisAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	a.enabled.Store(false)
	a.publishGauge()
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.pubsub != nil {
		errs = append(errs, a.pubsub.Close())
		a.pubsub = nil
	}
	a.wg.Wait()
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	return errors.Join(errs...)
}

// listen forwards broadcasts from other nodes to the receiver. go-redis
// resubscribes on its own after a dropped connection.
func (a *RedisAdapter) listen(ctx context.Context, ch <-chan *redis.Message) {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a.handle(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (a *RedisAdapter) handle(msg *redis.Message) {
	var b types.RoomBroadcast
	if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
		a.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed broadcast")
		return
	}
	if b.Origin == a.nodeID {
		return
	}
	if b.RoomID == "" {
		b.RoomID = strings.TrimPrefix(msg.Channel, a.config.ChannelPrefix)
	}
	if a.receive == nil {
		return
	}
	if err := a.receive(b); err != nil {
		a.logger.Warn().Err(err).Str("room_id", b.RoomID).Msg("remote broadcast not delivered")
	}
}

func (a *RedisAdapter) channel(roomID string) string {
	return a.config.ChannelPrefix + roomID
}

func (a *RedisAdapter) publishGauge() {
	setGauge(a.Enabled())
}

func setGauge(enabled bool) {
	if enabled {
		metrics.BackplaneEnabled.Set(1)
	} else {
		metrics.BackplaneEnabled.Set(0)
	}
}
