package guild

import (
	"context"
	"errors"
	"time"

	"guild-console/internal/logging"
	"guild-console/internal/metrics"

	gobreaker "github.com/sony/gobreaker/v2"
)

var _ Source = (*BreakerSource)(nil)

// BreakerSource wraps a Source with a circuit breaker. Not-found results count as
// successes; only transport and server failures trip the circuit.
type BreakerSource struct {
	next   Source
	guilds *gobreaker.CircuitBreaker[*Guild]
	member *gobreaker.CircuitBreaker[*Member]
}

func NewBreakerSource(next Source, name string) *BreakerSource {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return &BreakerSource{
		next:   next,
		guilds: gobreaker.NewCircuitBreaker[*Guild](breakerSettings(name)),
		member: gobreaker.NewCircuitBreaker[*Member](breakerSettings(name + "-members")),
	}
}

func breakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("membership source circuit state changed")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrGuildNotFound) || errors.Is(err, context.Canceled)
		},
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (b *BreakerSource) FetchGuild(ctx context.Context, guildID string) (*Guild, error) {
	return b.guilds.Execute(func() (*Guild, error) {
		return b.next.FetchGuild(ctx, guildID)
	})
}

func (b *BreakerSource) FetchMember(ctx context.Context, guildID, userID string) (*Member, error) {
	return b.member.Execute(func() (*Member, error) {
		return b.next.FetchMember(ctx, guildID, userID)
	})
}
