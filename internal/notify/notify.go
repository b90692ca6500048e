package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/makebreak/apiserver/internal/metrics"
)

// Template ids.
const (
	TemplateForgotPassword = "forgot-password-email"
	TemplateVerifyCode     = "verify-email-code"
	TemplateEmailVerified  = "email-verified-successfully"
)

// Templates lists every template id the app sends.
var Templates = []string{
	TemplateForgotPassword,
	TemplateVerifyCode,
	TemplateEmailVerified,
}

// ErrUnknownTemplate is returned when a message names a template that is not loaded.
var ErrUnknownTemplate = errors.New("unknown template")

// Message is a templated email.
type Message struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
}

// Notifier delivers a message. A nil error means delivery (or hand-off to a
// durable queue) succeeded.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier records the template and recipient without delivering anything.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.logger.InfoContext(ctx, "email suppressed", "template", msg.Template, "to", msg.To, "subject", msg.Subject)
	return nil
}

type instrumented struct {
	next Notifier
}

// Instrument counts deliveries per template and result.
func Instrument(next Notifier) Notifier {
	return instrumented{next: next}
}

func (n instrumented) Send(ctx context.Context, msg Message) error {
	err := n.next.Send(ctx, msg)
	metrics.AuthNotificationsTotal.WithLabelValues(msg.Template, metrics.Outcome(err)).Inc()
	return err
}
