package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/myclinic/clinic/internal/platform/metrics"
)

// Handler processes one envelope received from the channel.
type Handler func(ctx context.Context, env Envelope) error

// Config tunes the publish circuit breaker.
type Config struct {
	Channel string
	// BreakerFailures consecutive publish failures open the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

func DefaultConfig(channel string) Config {
	return Config{
		Channel:         channel,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// Relay publishes envelopes to the shared channel and dispatches received
// envelopes to registered handlers in registration order.
type Relay struct {
	transport Transport
	channel   string
	logger    zerolog.Logger
	breaker   *gobreaker.CircuitBreaker[struct{}]

	mu       sync.RWMutex
	handlers []Handler
}

func New(t Transport, cfg Config, logger zerolog.Logger) *Relay {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultConfig("").BreakerFailures
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = DefaultConfig("").BreakerTimeout
	}
	logger = logger.With().Str("component", "relay").Str("channel", cfg.Channel).Logger()

	st := gobreaker.Settings{
		Name:        "relay-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("relay publish breaker state changed")
		},
	}

	return &Relay{
		transport: t,
		channel:   cfg.Channel,
		logger:    logger,
		breaker:   gobreaker.NewCircuitBreaker[struct{}](st),
	}
}

// On registers h. Handlers registered after Run has started still receive
// subsequent envelopes.
func (r *Relay) On(h Handler) {
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
}

// Publish sends env to every instance, this one included. While the breaker
// is open Publish fails immediately.
func (r *Relay) Publish(ctx context.Context, env Envelope) error {
	if err := env.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = r.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, r.transport.Publish(ctx, r.channel, payload)
	})
	if err != nil {
		metrics.RelayPublishErrors.Inc()
		return fmt.Errorf("relay publish %s: %w", env.Type, err)
	}
	metrics.RelayPublished.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// PublishData marshals data into the envelope payload and publishes it.
func (r *Relay) PublishData(ctx context.Context, typ EnvelopeType, tenantID, userID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s data: %w", typ, err)
	}
	return r.Publish(ctx, Envelope{Type: typ, TenantID: tenantID, UserID: userID, Data: raw})
}

// Run subscribes to the channel and dispatches envelopes until ctx is
// cancelled. A failed subscribe is retried with backoff capped at 2s.
func (r *Relay) Run(ctx context.Context) error {
	backoff := minRetryBackoff
	for {
		sub, err := r.transport.Subscribe(ctx, r.channel)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("relay subscribe failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxRetryBackoff)
			continue
		}
		backoff = minRetryBackoff
		r.logger.Info().Msg("relay subscribed")

		closed := r.consume(ctx, sub)
		_ = sub.Close()
		if !closed || ctx.Err() != nil {
			return nil
		}
		// Subscription ended underneath us; resubscribe.
		r.logger.Warn().Msg("relay subscription closed, resubscribing")
	}
}

// consume reads until ctx is done (false) or the subscription closes (true).
func (r *Relay) consume(ctx context.Context, sub Subscription) bool {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return false
		case payload, ok := <-msgs:
			if !ok {
				return true
			}
			r.handle(ctx, payload)
		}
	}
}

func (r *Relay) handle(ctx context.Context, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping malformed relay payload")
		return
	}
	if err := env.validate(); err != nil {
		r.logger.Warn().Err(err).Msg("dropping invalid relay envelope")
		return
	}
	metrics.RelayReceived.WithLabelValues(string(env.Type)).Inc()
	r.dispatch(ctx, env)
}

func (r *Relay) dispatch(ctx context.Context, env Envelope) {
	r.mu.RLock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for i, h := range handlers {
		if err := r.invoke(ctx, h, env); err != nil {
			metrics.RelayHandlerErrors.Inc()
			r.logger.Error().Err(err).Int("handler", i).Str("type", string(env.Type)).
				Str("tenant_id", env.TenantID).Str("user_id", env.UserID).
				Msg("relay handler failed")
		}
	}
}

var errHandlerPanic = errors.New("relay handler panicked")

func (r *Relay) invoke(ctx context.Context, h Handler, env Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errHandlerPanic, p)
		}
	}()
	return h(ctx, env)
}

// Close releases the transport.
func (r *Relay) Close() error {
	return r.transport.Close()
}
