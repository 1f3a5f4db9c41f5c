package engine_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unsaid/internal/channel"
	"unsaid/internal/config"
	"unsaid/internal/db"
	"unsaid/internal/domain"
	"unsaid/internal/engine"
	"unsaid/internal/engine/auth"
	"unsaid/internal/events"
	"unsaid/internal/logging"
	"unsaid/internal/migrate"
	"unsaid/internal/notify"
	"unsaid/internal/payment"
	"unsaid/internal/repo"
	"unsaid/internal/validate"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []channel.Message
	err   error
	block chan struct{}
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(ctx context.Context, msg channel.Message) (channel.Receipt, error) {
	f.mu.Lock()
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if err != nil {
		return channel.Receipt{}, err
	}
	return channel.Receipt{Provider: "fake", ProviderMessageID: "msg-" + msg.SubmissionID}, nil
}

func (f *fakeSender) set(err error, block chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err, f.block = err, block
}

func (f *fakeSender) Sent() []channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Message(nil), f.sent...)
}

type fakeProvider struct {
	mu sync.Mutex
	n  int
}

func (f *fakeProvider) CreateOrder(_ context.Context, amount int64, currency, receipt string, _ map[string]string) (payment.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return payment.Order{ID: fmt.Sprintf("order_%d", f.n), Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Sender *fakeSender
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{DSN: filepath.Join(t.TempDir(), "unsaid.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn, dialect)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Payment.KeySecret = "checkout-secret"
	cfg.Payment.WebhookSecret = "webhook-secret"
	for _, m := range mutate {
		m(cfg)
	}
	clk := &clock{now: t0}
	sender := &fakeSender{}
	eng := engine.New(conn, dialect, nil, cfg, logging.Discard())
	eng.Now = clk.Now
	eng.Channels = sender
	eng.Payments = &fakeProvider{}
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk, Sender: sender}
}

func (env testEnv) user(t *testing.T, name string) auth.Identity {
	t.Helper()
	u, err := env.Engine.UpsertIdentity(env.Ctx, engine.Profile{ExternalID: "ext-" + name, Email: name + "@example.com", Name: name})
	require.NoError(t, err)
	return auth.Identity{OwnerID: u.ID, Email: u.Email, Name: u.Name}
}

func request(plan string) validate.Request {
	return validate.Request{
		Message:          "I have always admired the way you laugh.",
		RecipientName:    "Sam",
		RecipientContact: "sam@example.com",
		ContactType:      "email",
		Plan:             plan,
	}
}

func (env testEnv) submit(t *testing.T, id auth.Identity, plan string) domain.Submission {
	t.Helper()
	s, err := env.Engine.Submit(env.Ctx, id, request(plan))
	require.NoError(t, err)
	return s
}

func eventsOfType(t *testing.T, env testEnv, id, typ string) []domain.Event {
	t.Helper()
	all, err := env.Engine.Repo.EntityEvents(env.Ctx, events.KindSubmission, id)
	require.NoError(t, err)
	var out []domain.Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func developerMode(cfg *config.Config) { cfg.Entitlement.DeveloperModeEnabled = true }

func TestSubmitReportsValidationBeforeEntitlement(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Entitlement.FreeQuota = 0 })
	id := env.user(t, "alex")

	_, err := env.Engine.Submit(env.Ctx, id, validate.Request{Message: "too short", RecipientName: "S", RecipientContact: "nope", ContactType: "email"})
	var verr *validate.Errors
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("message"))
	assert.True(t, verr.Has("recipientName"))
	assert.True(t, verr.Has("recipientContact"))

	_, err = env.Engine.Submit(env.Ctx, id, request("anonymous"))
	var ent auth.EntitlementError
	require.ErrorAs(t, err, &ent)
	assert.Equal(t, auth.ReasonPaymentRequired, ent.Reason)

	_, err = env.Engine.Submit(env.Ctx, auth.Identity{}, request("anonymous"))
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	_, err = env.Engine.Submit(env.Ctx, auth.Identity{}, validate.Request{Message: "too short"})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated, "anonymous callers are turned away before validation")
}

func TestSubmitConsumesFreeQuota(t *testing.T) {
	env := newTestEnv(t)
	id := env.user(t, "alex")

	s := env.submit(t, id, "")
	assert.Equal(t, domain.StatusPending, s.Status)
	assert.Equal(t, domain.PlanAnonymous, s.Plan)
	assert.False(t, s.Revealed)
	assert.True(t, s.IsFree)
	assert.Nil(t, s.DeliveredAt)
	assert.Len(t, eventsOfType(t, env, s.ID, events.SubmissionCreated), 1)

	u, err := env.Engine.Repo.GetUser(env.Ctx, nil, id.OwnerID)
	require.NoError(t, err)
	assert.Zero(t, u.FreeRemaining)

	_, err = env.Engine.Submit(env.Ctx, id, request("anonymous"))
	var ent auth.EntitlementError
	require.ErrorAs(t, err, &ent)
	assert.Equal(t, auth.ReasonPaymentRequired, ent.Reason)
}

func TestFreeMessageIsOncePerDevice(t *testing.T) {
	env := newTestEnv(t)
	alex := env.user(t, "alex")
	blair := env.user(t, "blair")

	req := request("anonymous")
	req.DeviceID = "device-1"
	_, err := env.Engine.Submit(env.Ctx, alex, req)
	require.NoError(t, err)

	_, err = env.Engine.Submit(env.Ctx, blair, req)
	var ent auth.EntitlementError
	require.ErrorAs(t, err, &ent)

	req.DeviceID = "device-2"
	_, err = env.Engine.Submit(env.Ctx, blair, req)
	require.NoError(t, err)
}

func TestDeveloperSendsWithoutConsumingQuota(t *testing.T) {
	env := newTestEnv(t)
	id := env.user(t, "dev")
	_, err := env.Engine.EnableDeveloper(env.Ctx, id.OwnerID, id.OwnerID)
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	env = newTestEnv(t, developerMode)
	id = env.user(t, "dev")
	u, err := env.Engine.EnableDeveloper(env.Ctx, id.OwnerID, id.OwnerID)
	require.NoError(t, err)
	assert.True(t, u.Developer)

	for i := 0; i < 3; i++ {
		s := env.submit(t, id, "reveal")
		assert.False(t, s.IsFree)
	}
	u, err = env.Engine.Repo.GetUser(env.Ctx, nil, id.OwnerID)
	require.NoError(t, err)
	assert.Equal(t, 1, u.FreeRemaining)
}

func TestSubscriptionGrantAndExpiry(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Entitlement.FreeQuota = 0 })
	id := env.user(t, "alex")

	_, err := env.Engine.CreateOrder(env.Ctx, id, "gold")
	var verr *validate.Errors
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("plan"))

	order, err := env.Engine.CreateOrder(env.Ctx, id, "premium")
	require.NoError(t, err)
	assert.Equal(t, int64(99900), order.Amount)

	_, _, err = env.Engine.ConfirmPayment(env.Ctx, id, order.ID, "pay_1", "bogus")
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	sig := payment.SignPayment(order.ID, "pay_1", "checkout-secret")
	other := env.user(t, "mallory")
	_, _, err = env.Engine.ConfirmPayment(env.Ctx, other, order.ID, "pay_1", sig)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	sub, created, err := env.Engine.ConfirmPayment(env.Ctx, id, order.ID, "pay_1", sig)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, sub.ExpiresAt)
	again, created, err := env.Engine.ConfirmPayment(env.Ctx, id, order.ID, "pay_1", sig)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, again.ID)

	s := env.submit(t, id, "anonymous")
	assert.False(t, s.IsFree)

	env.Clock.Advance(366 * 24 * time.Hour)
	_, err = env.Engine.Submit(env.Ctx, id, request("anonymous"))
	var ent auth.EntitlementError
	require.ErrorAs(t, err, &ent)
	assert.Equal(t, auth.ReasonSubscriptionExpired, ent.Reason)
	_, err = env.Engine.Repo.ActiveSubscription(env.Ctx, nil, id.OwnerID, env.Clock.Now())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLifetimeSubscriptionOutlivesExpiredPremium(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Entitlement.FreeQuota = 0 })
	id := env.user(t, "alex")
	buy := func(plan, paymentID string) domain.Subscription {
		t.Helper()
		order, err := env.Engine.CreateOrder(env.Ctx, id, plan)
		require.NoError(t, err)
		sig := payment.SignPayment(order.ID, paymentID, "checkout-secret")
		sub, created, err := env.Engine.ConfirmPayment(env.Ctx, id, order.ID, paymentID, sig)
		require.NoError(t, err)
		require.True(t, created)
		return sub
	}
	lifetime := buy("lifetime", "pay_1")
	env.Clock.Advance(time.Hour)
	premium := buy("premium", "pay_2")
	require.NotNil(t, premium.ExpiresAt)

	env.Clock.Advance(366 * 24 * time.Hour)
	s, err := env.Engine.Submit(env.Ctx, id, request("anonymous"))
	require.NoError(t, err)
	assert.False(t, s.IsFree)

	active, err := env.Engine.Repo.ActiveSubscription(env.Ctx, nil, id.OwnerID, env.Clock.Now())
	require.NoError(t, err)
	assert.Equal(t, lifetime.ID, active.ID)

	subs, err := env.Engine.Repo.ListSubscriptions(env.Ctx, id.OwnerID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	for _, sub := range subs {
		if sub.ID == premium.ID {
			assert.Equal(t, domain.SubscriptionExpired, sub.Status)
		} else {
			assert.Equal(t, domain.SubscriptionActive, sub.Status)
		}
	}
	history, err := env.Engine.Repo.EntityEvents(env.Ctx, events.KindSubscription, premium.ID)
	require.NoError(t, err)
	var expired int
	for _, e := range history {
		if e.Type == events.SubscriptionExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)

	resolver := auth.Resolver{
		Issuer: auth.Issuer{Secret: "session-secret", TTL: time.Hour, Now: env.Clock.Now},
		Store:  env.Engine.Repo,
		Now:    env.Clock.Now,
	}
	token, _, err := resolver.Issuer.Mint(id.OwnerID, nil)
	require.NoError(t, err)
	resolved, err := resolver.Resolve(env.Ctx, token)
	require.NoError(t, err)
	assert.True(t, resolved.HasEntitlement)
	require.NotNil(t, resolved.Subscription)
	assert.Equal(t, lifetime.ID, resolved.Subscription.ID)
}

func TestPaymentWebhookGrantsOnce(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Entitlement.FreeQuota = 0 })
	id := env.user(t, "alex")
	order, err := env.Engine.CreateOrder(env.Ctx, id, "lifetime")
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_9","order_id":%q}}}}`, order.ID))
	_, err = env.Engine.HandlePaymentWebhook(env.Ctx, body, "bad")
	assert.ErrorIs(t, err, payment.ErrInvalidSignature)

	sig := payment.SignWebhook(body, "webhook-secret")
	created, err := env.Engine.HandlePaymentWebhook(env.Ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = env.Engine.HandlePaymentWebhook(env.Ctx, body, sig)
	require.NoError(t, err)
	assert.False(t, created)

	sub, err := env.Engine.Repo.ActiveSubscription(env.Ctx, nil, id.OwnerID, env.Clock.Now())
	require.NoError(t, err)
	assert.Nil(t, sub.ExpiresAt, "lifetime plans never expire")

	unknown := []byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_x","order_id":"order_missing"}}}}`)
	created, err = env.Engine.HandlePaymentWebhook(env.Ctx, unknown, payment.SignWebhook(unknown, "webhook-secret"))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "anonymous")

	env.Clock.Advance(time.Minute)
	first, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, first.Status)
	require.NotNil(t, first.DeliveredAt)
	assert.True(t, first.DeliveredAt.Equal(t0.Add(time.Minute)))

	env.Clock.Advance(time.Hour)
	second, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.True(t, second.DeliveredAt.Equal(*first.DeliveredAt))
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, eventsOfType(t, env, s.ID, events.SubmissionDelivered), 1)

	_, err = env.Engine.MarkDelivered(env.Ctx, "missing", "admin")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentMarkDeliveredRecordsOneTimestamp(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "anonymous")
	env.Clock.step = time.Millisecond

	const callers = 8
	results := make([]domain.Submission, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i].DeliveredAt)
		assert.True(t, results[i].DeliveredAt.Equal(*results[0].DeliveredAt))
	}
	assert.Len(t, eventsOfType(t, env, s.ID, events.SubmissionDelivered), 1)
	stored, err := env.Engine.Get(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, stored.DeliveredAt.Equal(*results[0].DeliveredAt))
}

func TestRevealPreconditions(t *testing.T) {
	env := newTestEnv(t, developerMode)
	id := env.user(t, "alex")
	_, err := env.Engine.EnableDeveloper(env.Ctx, id.OwnerID, id.OwnerID)
	require.NoError(t, err)

	anon := env.submit(t, id, "anonymous")
	_, err = env.Engine.Reveal(env.Ctx, anon.ID, "admin")
	var pre engine.PreconditionError
	require.ErrorAs(t, err, &pre)
	_, err = env.Engine.MarkDelivered(env.Ctx, anon.ID, "admin")
	require.NoError(t, err)
	_, err = env.Engine.Reveal(env.Ctx, anon.ID, "admin")
	require.ErrorAs(t, err, &pre, "anonymous submissions can never be revealed")

	rev := env.submit(t, id, "reveal")
	_, err = env.Engine.Reveal(env.Ctx, rev.ID, "admin")
	require.ErrorAs(t, err, &pre, "reveal before delivery")

	_, err = env.Engine.MarkDelivered(env.Ctx, rev.ID, "admin")
	require.NoError(t, err)
	out, err := env.Engine.Reveal(env.Ctx, rev.ID, "admin")
	require.NoError(t, err)
	assert.True(t, out.Revealed)
	require.NotNil(t, out.RevealedAt)

	env.Clock.Advance(time.Hour)
	again, err := env.Engine.Reveal(env.Ctx, rev.ID, "admin")
	require.NoError(t, err)
	assert.True(t, again.RevealedAt.Equal(*out.RevealedAt))
	assert.Len(t, eventsOfType(t, env, rev.ID, events.SubmissionRevealed), 1)
}

func TestMaybeRevealWaitsForDelay(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "reveal")
	_, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	require.NoError(t, err)

	env.Clock.Advance(6 * 24 * time.Hour)
	current, err := env.Engine.Get(env.Ctx, s.ID)
	require.NoError(t, err)
	current, changed, err := env.Engine.MaybeReveal(env.Ctx, current)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, current.Revealed)

	env.Clock.Advance(24 * time.Hour)
	current, changed, err = env.Engine.MaybeReveal(env.Ctx, current)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, current.Revealed)
	assert.Equal(t, domain.StatusDelivered, current.Status)
}

func TestSweepRevealsOnlyDueRevealPlans(t *testing.T) {
	env := newTestEnv(t, developerMode, func(cfg *config.Config) { cfg.Reveal.BatchSize = 1 })
	id := env.user(t, "alex")
	_, err := env.Engine.EnableDeveloper(env.Ctx, id.OwnerID, id.OwnerID)
	require.NoError(t, err)

	var reveal []string
	for i := 0; i < 2; i++ {
		s := env.submit(t, id, "reveal")
		_, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
		require.NoError(t, err)
		reveal = append(reveal, s.ID)
	}
	anon := env.submit(t, id, "anonymous")
	_, err = env.Engine.MarkDelivered(env.Ctx, anon.ID, "admin")
	require.NoError(t, err)
	pending := env.submit(t, id, "reveal")

	n, err := env.Engine.SweepReveals(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.Clock.Advance(7 * 24 * time.Hour)
	n, err = env.Engine.SweepReveals(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, rid := range reveal {
		s, err := env.Engine.Get(env.Ctx, rid)
		require.NoError(t, err)
		assert.True(t, s.Revealed)
	}
	for _, rid := range []string{anon.ID, pending.ID} {
		s, err := env.Engine.Get(env.Ctx, rid)
		require.NoError(t, err)
		assert.False(t, s.Revealed)
	}

	n, err = env.Engine.SweepReveals(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchDeliversThroughChannel(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "reveal")

	out, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, out.Status)
	require.NotNil(t, out.DeliveredAt)

	sent := env.Sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "sam@example.com", sent[0].To)
	assert.Contains(t, sent[0].Body, "I have always admired the way you laugh.")
	assert.Contains(t, sent[0].Body, "7 days")

	_, err = env.Engine.Repo.GetLease(env.Ctx, s.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	again, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.True(t, again.DeliveredAt.Equal(*out.DeliveredAt))
	assert.Len(t, env.Sender.Sent(), 1, "delivered submissions are not sent twice")
}

func TestDispatchFailureIsRecordedAndRetried(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "anonymous")

	env.Sender.set(channel.Permanent("mailbox does not exist"), nil)
	out, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "rejected: mailbox does not exist", out.FailureReason)
	assert.Nil(t, out.DeliveredAt)

	_, err = env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	var pre engine.PreconditionError
	require.ErrorAs(t, err, &pre)

	retried, err := env.Engine.Retry(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.FailureReason)

	_, err = env.Engine.Retry(env.Ctx, s.ID, "admin")
	require.ErrorAs(t, err, &pre, "only failed submissions can be retried")

	env.Sender.set(nil, nil)
	out, err = env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, out.Status)
}

func TestMarkDeliveredRequiresRetryAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "anonymous")
	env.Sender.set(channel.Permanent("mailbox does not exist"), nil)
	failed, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, failed.Status)

	_, err = env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	var pre engine.PreconditionError
	require.ErrorAs(t, err, &pre)
	current, err := env.Engine.Get(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, current.Status)
	assert.Nil(t, current.DeliveredAt)
	assert.Empty(t, eventsOfType(t, env, s.ID, events.SubmissionDelivered))

	_, err = env.Engine.Retry(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	delivered, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, delivered.Status)
	assert.NotNil(t, delivered.DeliveredAt)
}

func TestFailureReasonKeepsWholeRunes(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "anonymous")
	env.Sender.set(channel.Permanent("%s", "x"+strings.Repeat("é", 400)), nil)

	out, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out.FailureReason))
	assert.Equal(t, "rejected: x"+strings.Repeat("é", 244), out.FailureReason)

	stored, err := env.Engine.Get(env.Ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, out.FailureReason, stored.FailureReason)
}

func TestRetryLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Dispatch.MaxRetries = 1 })
	s := env.submit(t, env.user(t, "alex"), "anonymous")
	env.Sender.set(fmt.Errorf("smtp 451 try later"), nil)

	out, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, "provider_error: smtp 451 try later", out.FailureReason)
	_, err = env.Engine.Retry(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	_, err = env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	_, err = env.Engine.Retry(env.Ctx, s.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrRetryLimit)
}

func TestDispatchWithoutChannelFails(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Channels = channel.NewRouter()
	s := env.submit(t, env.user(t, "alex"), "anonymous")

	out, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "no_channel", out.FailureReason)
}

func TestDispatchTimeoutKeepsLeaseUntilSendReturns(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Dispatch.Timeout = 50 * time.Millisecond
		cfg.Dispatch.LeaseTTL = time.Minute
	})
	s := env.submit(t, env.user(t, "alex"), "anonymous")

	release := make(chan struct{})
	env.Sender.set(nil, release)
	out, err := env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "timeout", out.FailureReason)

	_, err = env.Engine.Repo.GetLease(env.Ctx, s.ID)
	require.NoError(t, err, "abandoned send still holds the lease")

	_, err = env.Engine.Retry(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	_, err = env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrLeaseHeld)

	env.Sender.set(nil, nil)
	close(release)
	require.Eventually(t, func() bool {
		_, err := env.Engine.Repo.GetLease(env.Ctx, s.ID)
		return err == repo.ErrNotFound
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, eventsOfType(t, env, s.ID, events.SubmissionLateOutcome), 1)

	out, err = env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, out.Status)
}

func TestForeignLeaseBlocksDispatch(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "anonymous")
	ok, err := env.Engine.Repo.AcquireLease(env.Ctx, domain.DispatchLease{SubmissionID: s.ID, HolderID: "other", AcquiredAt: t0, ExpiresAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.Engine.Dispatch(env.Ctx, s.ID, "admin")
	assert.ErrorIs(t, err, engine.ErrLeaseHeld)
	assert.Empty(t, env.Sender.Sent())
}

func TestAutoModeDispatchesThroughPool(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Dispatch.Mode = config.DispatchAuto })
	pool := engine.NewPool(env.Engine, 2, 8, logging.Discard())
	env.Engine.Queue = pool
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	s := env.submit(t, env.user(t, "alex"), "anonymous")
	require.Eventually(t, func() bool {
		got, err := env.Engine.Get(env.Ctx, s.ID)
		return err == nil && got.Status == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolBackfillQueuesPending(t *testing.T) {
	env := newTestEnv(t, developerMode)
	id := env.user(t, "alex")
	_, err := env.Engine.EnableDeveloper(env.Ctx, id.OwnerID, id.OwnerID)
	require.NoError(t, err)
	env.submit(t, id, "anonymous")
	env.submit(t, id, "anonymous")

	pool := engine.NewPool(env.Engine, 1, 1, logging.Discard())
	n, err := pool.Backfill(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "backfill stops when the queue is full")
	pool.Stop()
	assert.False(t, pool.Enqueue("late"))
}

func TestRevealSchedulerSweeps(t *testing.T) {
	env := newTestEnv(t)
	s := env.submit(t, env.user(t, "alex"), "reveal")
	_, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	require.NoError(t, err)
	env.Clock.Advance(8 * 24 * time.Hour)

	sched := engine.NewRevealScheduler(env.Engine, 10*time.Millisecond, logging.Discard())
	done := make(chan struct{})
	go func() {
		sched.Start(env.Ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		got, err := env.Engine.Get(env.Ctx, s.ID)
		return err == nil && got.Revealed
	}, 2*time.Second, 10*time.Millisecond)
	sched.Stop()
	<-done
}

func TestTransitionsArePublishedToOwner(t *testing.T) {
	env := newTestEnv(t)
	hub := notify.NewHub(8)
	env.Engine.Notifier = hub
	id := env.user(t, "alex")
	sub := hub.Subscribe(id.OwnerID)
	defer sub.Close()

	s := env.submit(t, id, "anonymous")
	_, err := env.Engine.MarkDelivered(env.Ctx, s.ID, "admin")
	require.NoError(t, err)

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, domain.StatusPending, first.Status)
	assert.Equal(t, domain.StatusDelivered, second.Status)
	assert.NotNil(t, second.DeliveredAt)
}

func TestListByOwnerIsScopedAndNewestFirst(t *testing.T) {
	env := newTestEnv(t, developerMode)
	alex := env.user(t, "alex")
	blair := env.user(t, "blair")
	_, err := env.Engine.EnableDeveloper(env.Ctx, alex.OwnerID, alex.OwnerID)
	require.NoError(t, err)

	older := env.submit(t, alex, "anonymous")
	env.Clock.Advance(time.Second)
	newer := env.submit(t, alex, "reveal")
	env.submit(t, blair, "anonymous")

	list, err := env.Engine.ListByOwner(env.Ctx, alex.OwnerID, repo.SubmissionFilters{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)

	_, err = env.Engine.GetOwned(env.Ctx, blair.OwnerID, older.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	pending, err := env.Engine.ListByStatus(env.Ctx, domain.StatusPending, repo.SubmissionFilters{})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}
