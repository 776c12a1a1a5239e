package circuitbreaker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campusone/beacon/internal/db"
	"github.com/campusone/beacon/internal/directory"
)

// ProtectedResolver wraps an audience resolver with a CircuitBreaker.
// Used on the automatic publish paths (bridge, reminder sweep), where a
// dead directory should fail fast rather than hold up the consumer loop.
type ProtectedResolver struct {
	resolver directory.Resolver
	breaker  *CircuitBreaker
	logger   *zap.Logger
}

// NewProtectedResolver wraps a resolver with circuit breaker protection.
func NewProtectedResolver(resolver directory.Resolver, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedResolver {
	return &ProtectedResolver{
		resolver: resolver,
		breaker:  breaker,
		logger:   logger,
	}
}

// Resolve delegates to the wrapped resolver through the breaker. While
// the circuit is open it returns ErrCircuitOpen immediately. A validation
// failure counts against the caller, not the directory, so it does not
// trip the breaker.
func (p *ProtectedResolver) Resolve(ctx context.Context, target db.TargetSpec) ([]uuid.UUID, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected audience resolution",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	ids, err := p.resolver.Resolve(ctx, target)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return ids, nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedResolver) Breaker() *CircuitBreaker {
	return p.breaker
}
