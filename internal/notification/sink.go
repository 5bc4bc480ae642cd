// Package notification defines the outbound delivery contracts the engine
// depends on. Delivery is fire-and-forget from the engine's perspective: a
// failed notification never blocks a state transition.
package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/procurio/tender-workflow/internal/directory"
)

// Channel identifies a delivery channel
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Sink delivers a message to a principal over one channel
type Sink interface {
	Notify(ctx context.Context, p *directory.Principal, channel Channel, subject, message string) error
}

// LogSink is the default Sink: it records deliveries in the structured log.
// Deployments wire a real provider (SMTP, SMS gateway, in-app feed) instead.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed notification sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the delivery
func (s *LogSink) Notify(_ context.Context, p *directory.Principal, channel Channel, subject, message string) error {
	s.logger.Info("Notification dispatched",
		zap.String("principal", p.ID),
		zap.String("channel", string(channel)),
		zap.String("subject", subject),
		zap.String("message", message))
	return nil
}
