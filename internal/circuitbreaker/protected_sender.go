package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/dispatch"
)

// ProtectedSender wraps a channel sender with a circuit breaker. While the
// provider is failing, sends return ErrCircuitOpen immediately and the
// dispatcher's normal retry path handles the entry.
type ProtectedSender struct {
	sender  dispatch.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender dispatch.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, msg *dispatch.Outbound) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected request",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("entry_id", msg.EntryID),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	if err := p.sender.Send(ctx, msg); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker exposes the breaker for the admin stats endpoint.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
