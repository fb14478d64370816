package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/apperr"
	"marketplace-auth/internal/target"
)

type capturePublisher struct {
	mu       sync.Mutex
	topic    string
	key      []byte
	value    []byte
	headers  map[string]string
	failWith error
}

func (p *capturePublisher) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.topic, p.key, p.value, p.headers = topic, key, value, headers
	return nil
}

func mustPhone(t *testing.T) target.Target {
	t.Helper()
	tg, err := target.ParsePhone("+919876543210", "IN")
	require.NoError(t, err)
	return tg
}

func TestKafkaGateway_PublishesKeyedJob(t *testing.T) {
	pub := &capturePublisher{}
	gw := NewKafkaGateway(pub, "otp-delivery", "%s is your code")
	phone := mustPhone(t)

	require.NoError(t, gw.Send(context.Background(), phone, "123456"))

	assert.Equal(t, "otp-delivery", pub.topic)
	assert.Equal(t, phone.Hash(), string(pub.key))
	assert.Equal(t, "sms", pub.headers["channel"])

	var job DeliveryJob
	require.NoError(t, json.Unmarshal(pub.value, &job))
	assert.Equal(t, "+919876543210", job.To)
	assert.Equal(t, "123456 is your code", job.Message)
	assert.NotEmpty(t, job.ID)
}

func TestRouter_DispatchesByKind(t *testing.T) {
	var smsCalls, emailCalls int
	r := &Router{
		SMS:   GatewayFunc(func(context.Context, target.Target, string) error { smsCalls++; return nil }),
		Email: GatewayFunc(func(context.Context, target.Target, string) error { emailCalls++; return nil }),
	}
	email, err := target.ParseEmail("maker@example.com")
	require.NoError(t, err)

	require.NoError(t, r.Send(context.Background(), mustPhone(t), "1"))
	require.NoError(t, r.Send(context.Background(), email, "1"))
	assert.Equal(t, 1, smsCalls)
	assert.Equal(t, 1, emailCalls)

	err = (&Router{}).Send(context.Background(), email, "1")
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestRetrying_RetriesOnceThenReportsDependency(t *testing.T) {
	calls := 0
	flaky := GatewayFunc(func(context.Context, target.Target, string) error {
		calls++
		return errors.New("provider unavailable")
	})
	gw := NewRetrying(flaky, time.Second, time.Millisecond)

	err := gw.Send(context.Background(), mustPhone(t), "123456")
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, apperr.IsKind(err, apperr.KindDependency))
}

func TestRetrying_TimeoutIsGatewayTimeout(t *testing.T) {
	slow := GatewayFunc(func(ctx context.Context, _ target.Target, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	gw := NewRetrying(slow, 5*time.Millisecond, time.Millisecond)

	err := gw.Send(context.Background(), mustPhone(t), "123456")
	require.Error(t, err)
	assert.Equal(t, 504, apperr.From(err).HTTPStatus)
}

func TestRetrying_SecondAttemptSucceeds(t *testing.T) {
	calls := 0
	gw := NewRetrying(GatewayFunc(func(context.Context, target.Target, string) error {
		calls++
		if calls == 1 {
			return errors.New("blip")
		}
		return nil
	}), time.Second, time.Millisecond)

	assert.NoError(t, gw.Send(context.Background(), mustPhone(t), "123456"))
}

type captureDialer struct {
	sent []*mail.Message
}

func (d *captureDialer) DialAndSend(m ...*mail.Message) error {
	d.sent = append(d.sent, m...)
	return nil
}

func TestSMTPGateway_SendsToEmailOnly(t *testing.T) {
	d := &captureDialer{}
	gw := &SMTPGateway{from: "no-reply@example.com", dialer: d}
	email, err := target.ParseEmail("maker@example.com")
	require.NoError(t, err)

	require.NoError(t, gw.Send(context.Background(), email, "654321"))
	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"maker@example.com"}, d.sent[0].GetHeader("To"))

	err = gw.Send(context.Background(), mustPhone(t), "654321")
	assert.ErrorIs(t, err, ErrNoChannel)
}
