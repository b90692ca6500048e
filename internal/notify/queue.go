package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/makebreak/apiserver/internal/mq"
)

// Channel is the queue/topic carrying outbound email jobs.
const Channel = "auth.notifications"

// Publisher is the subset of mq.MQ the queued notifier needs.
type Publisher interface {
	PublishJSON(ctx context.Context, channel string, v any) (string, error)
}

// QueueNotifier hands messages to the broker. Success means the broker
// accepted the job; the mailer worker performs the actual delivery.
type QueueNotifier struct {
	publisher Publisher
	channel   string
}

func NewQueueNotifier(publisher Publisher) *QueueNotifier {
	return &QueueNotifier{publisher: publisher, channel: Channel}
}

func (n *QueueNotifier) Send(ctx context.Context, msg Message) error {
	if _, ok := templateSet[msg.Template]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, msg.Template)
	}
	if _, err := n.publisher.PublishJSON(ctx, n.channel, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Template, err)
	}
	return nil
}

var templateSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(Templates))
	for _, name := range Templates {
		set[name] = struct{}{}
	}
	return set
}()

// Worker consumes queued jobs and delivers them with a concrete notifier.
type Worker struct {
	delivery Notifier
	logger   *slog.Logger
}

func NewWorker(delivery Notifier, logger *slog.Logger) *Worker {
	return &Worker{delivery: delivery, logger: logger}
}

// Handle is an mq.Handler. Malformed jobs are dropped; delivery failures
// return an error so the broker redelivers.
func (w *Worker) Handle(ctx context.Context, raw mq.Message) error {
	var msg Message
	if err := mq.DecodeJSON(raw, &msg); err != nil {
		w.logger.ErrorContext(ctx, "dropping malformed email job", "message_id", raw.ID, "error", err)
		return nil
	}
	if err := w.delivery.Send(ctx, msg); err != nil {
		if errors.Is(err, ErrUnknownTemplate) {
			w.logger.ErrorContext(ctx, "dropping email job", "message_id", raw.ID, "template", msg.Template, "error", err)
			return nil
		}
		w.logger.WarnContext(ctx, "email delivery failed", "message_id", raw.ID, "template", msg.Template, "error", err)
		return err
	}
	w.logger.InfoContext(ctx, "email delivered", "message_id", raw.ID, "template", msg.Template)
	return nil
}

// Run subscribes to the notification channel until ctx is done.
func (w *Worker) Run(ctx context.Context, queue *mq.MQ) error {
	return queue.Subscribe(ctx, Channel, w.Handle)
}
