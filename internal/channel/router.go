package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"unsaid/internal/circuitbreaker"
	"unsaid/internal/config"
	"unsaid/internal/domain"
	"unsaid/internal/retry"
)

// Router picks the sender for a message's contact type.
type Router struct {
	senders map[domain.ContactType]Sender
}

func NewRouter() *Router {
	return &Router{senders: map[domain.ContactType]Sender{}}
}

func (r *Router) Register(ct domain.ContactType, s Sender) {
	r.senders[ct] = s
}

func (r *Router) Name() string { return "router" }

// SenderFor returns the registered sender name for ct, or "" when none is set.
func (r *Router) SenderFor(ct domain.ContactType) string {
	if s, ok := r.senders[ct]; ok {
		return s.Name()
	}
	return ""
}

func (r *Router) Send(ctx context.Context, msg Message) (Receipt, error) {
	s, ok := r.senders[msg.ContactType]
	if !ok {
		return Receipt{}, fmt.Errorf("%w for %s", ErrNoChannel, msg.ContactType)
	}
	return s.Send(ctx, msg)
}

// Resilient retries transient failures with backoff behind a circuit breaker.
type Resilient struct {
	next    Sender
	backoff *retry.Backoff
	breaker *circuitbreaker.Breaker
}

func NewResilient(next Sender, backoff *retry.Backoff, breaker *circuitbreaker.Breaker) *Resilient {
	return &Resilient{next: next, backoff: backoff, breaker: breaker}
}

func (r *Resilient) Name() string { return r.next.Name() }

func (r *Resilient) Send(ctx context.Context, msg Message) (Receipt, error) {
	var receipt Receipt
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		return r.backoff.Do(ctx, func(ctx context.Context) error {
			rc, err := r.next.Send(ctx, msg)
			if err == nil {
				receipt = rc
			}
			return err
		}, isTransient)
	}, func(err error) bool {
		return IsPermanent(err) || errors.Is(err, context.Canceled)
	})
	return receipt, err
}

func isTransient(err error) bool {
	return !IsPermanent(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// FromConfig wires the configured channels. Unconfigured channels fall back to a LogSender when enabled.
func FromConfig(ch config.ChannelsConfig, dispatch config.DispatchConfig, logger logrus.FieldLogger) *Router {
	router := NewRouter()
	backoff := retry.NewBackoff(retry.Config{
		InitialDelay: dispatch.Backoff.InitialDelay,
		MaxDelay:     dispatch.Backoff.MaxDelay,
		Multiplier:   dispatch.Backoff.Multiplier,
		MaxAttempts:  dispatch.Backoff.MaxAttempts,
		Jitter:       true,
	})
	wrap := func(s Sender) Sender {
		return NewResilient(s, backoff, circuitbreaker.New(s.Name(), dispatch.Breaker.MaxFailures, dispatch.Breaker.ResetTimeout, logger))
	}
	var fallback Sender
	if ch.FallbackLog {
		fallback = NewLogSender(logger)
	}

	switch {
	case ch.Email.Host != "":
		router.Register(domain.ContactEmail, wrap(NewEmail(ch.Email.Host, ch.Email.Port, ch.Email.Username, ch.Email.Password, ch.Email.From)))
	case fallback != nil:
		router.Register(domain.ContactEmail, fallback)
	}
	switch {
	case ch.WhatsApp.BaseURL != "":
		router.Register(domain.ContactWhatsApp, wrap(NewWhatsApp(ch.WhatsApp.BaseURL, ch.WhatsApp.APIKey, ch.WhatsApp.Session, logger)))
	case fallback != nil:
		router.Register(domain.ContactWhatsApp, fallback)
	}
	for _, ct := range []domain.ContactType{domain.ContactEmail, domain.ContactWhatsApp} {
		logger.WithFields(logrus.Fields{"contact_type": ct, "sender": router.SenderFor(ct)}).Info("Delivery channel configured")
	}
	return router
}
