package notify

import (
	"context"
	"fmt"

	"github.com/makebreak/apiserver/config"
	"github.com/wneessen/go-mail"
)

const smtpsPort = 465

// MailSender abstracts the SMTP transport.
type MailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// SMTPNotifier renders a template and delivers it over SMTP.
type SMTPNotifier struct {
	sender   MailSender
	from     string
	renderer *Renderer
}

// NewSMTPClient builds a go-mail client. Port 465 uses implicit TLS.
func NewSMTPClient(cfg config.MailConfig) (*mail.Client, error) {
	opts := []mail.Option{mail.WithPort(cfg.Port)}
	if cfg.Port == smtpsPort {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return mail.NewClient(cfg.Host, opts...)
}

func NewSMTPNotifier(sender MailSender, from string, renderer *Renderer) *SMTPNotifier {
	return &SMTPNotifier{sender: sender, from: from, renderer: renderer}
}

func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	body, err := n.renderer.Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}

	m := mail.NewMsg()
	if err := m.From(n.from); err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, body)

	if err := n.sender.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp send %s: %w", msg.Template, err)
	}
	return nil
}
