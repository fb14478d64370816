// Package notification delivers one-time codes to phones and mailboxes.
package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/target"
	"marketplace-auth/internal/util"
)

var ErrNoChannel = errors.New("no delivery channel for target kind")

// Gateway sends a raw code to a verified-format target. A nil error means the
// provider accepted the message, not that it was delivered.
type Gateway interface {
	Send(ctx context.Context, to target.Target, code string) error
}

// GatewayFunc adapts a function to Gateway
type GatewayFunc func(ctx context.Context, to target.Target, code string) error

func (f GatewayFunc) Send(ctx context.Context, to target.Target, code string) error {
	return f(ctx, to, code)
}

// Router dispatches by target kind
type Router struct {
	SMS   Gateway
	Email Gateway
}

func (r *Router) Send(ctx context.Context, to target.Target, code string) error {
	var gw Gateway
	switch to.Kind {
	case target.KindPhone:
		gw = r.SMS
	case target.KindEmail:
		gw = r.Email
	}
	if gw == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, to.Kind)
	}
	return gw.Send(ctx, to, code)
}

// Retrying bounds every send with a timeout and retries a failed send once
// after Backoff. The final failure is reported as a dependency error.
type Retrying struct {
	Next    Gateway
	Timeout time.Duration
	Backoff time.Duration
}

func NewRetrying(next Gateway, timeout, backoff time.Duration) *Retrying {
	return &Retrying{Next: next, Timeout: timeout, Backoff: backoff}
}

func (r *Retrying) Send(ctx context.Context, to target.Target, code string) error {
	err := util.RetryOnce(ctx, r.Timeout, r.Backoff, retryableSend, func(callCtx context.Context) error {
		return r.Next.Send(callCtx, to, code)
	})
	if err == nil {
		return nil
	}
	util.Warn("OTP delivery failed",
		zap.String("channel", string(to.Kind)),
		zap.String("target", to.Masked()),
		zap.Error(err),
	)
	return apperr.Dependency(err)
}

func retryableSend(err error) bool {
	return !errors.Is(err, ErrNoChannel)
}
