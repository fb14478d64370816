package notification

import (
	"context"
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"marketplace-auth/internal/target"
	"marketplace-auth/internal/util"
)

type mailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// SMTPGateway emails the code
type SMTPGateway struct {
	from   string
	dialer mailSender
}

func NewSMTPGateway(host string, port int, user, pass, from string) *SMTPGateway {
	d := mail.NewDialer(host, port, user, pass)
	d.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if port == 465 {
		d.SSL = true
	}
	return &SMTPGateway{from: from, dialer: d}
}

func (g *SMTPGateway) Send(ctx context.Context, to target.Target, code string) error {
	if to.Kind != target.KindEmail {
		return fmt.Errorf("%w: smtp cannot deliver to %s", ErrNoChannel, to.Kind)
	}

	m := mail.NewMessage()
	m.SetHeader("From", g.from)
	m.SetHeader("To", to.Value)
	m.SetHeader("Subject", "Your verification code")
	m.SetBody("text/plain", fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.\n", code))
	m.AddAlternative("text/html", fmt.Sprintf("<p>Your verification code is <strong>%s</strong>.</p><p>It expires in 10 minutes.</p>", code))

	// go-mail has no context support; run the dial in a goroutine so the caller's deadline still applies
	done := make(chan error, 1)
	go func() { done <- g.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
	}

	util.Debug("OTP email accepted by SMTP relay", zap.String("target", to.Masked()))
	return nil
}
