package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Transport mirrors the reminder.Transport interface to avoid a circular import.
type Transport interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// ProtectedTransport wraps the messaging transport with a CircuitBreaker.
// When the WhatsApp API starts failing, the circuit opens and sends fail
// fast with ErrCircuitOpen instead of each waiting out the full timeout;
// the dispatcher counts those like any other transport failure.
type ProtectedTransport struct {
	transport Transport
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewProtectedTransport wraps a transport with circuit breaker protection.
func NewProtectedTransport(transport Transport, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedTransport {
	return &ProtectedTransport{
		transport: transport,
		breaker:   breaker,
		logger:    logger,
	}
}

// SendText attempts a send through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately (fail fast).
func (p *ProtectedTransport) SendText(ctx context.Context, to, body string) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	msgID, err := p.transport.SendText(ctx, to, body)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return msgID, nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedTransport) Breaker() *CircuitBreaker {
	return p.breaker
}
