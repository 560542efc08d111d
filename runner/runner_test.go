package runner_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goliatone/go-billing/adapters/gojob"
	"github.com/goliatone/go-billing/core"
	"github.com/goliatone/go-billing/lock"
	billingmigrations "github.com/goliatone/go-billing/migrations"
	"github.com/goliatone/go-billing/onchain"
	"github.com/goliatone/go-billing/queue"
	"github.com/goliatone/go-billing/queue/redisqueue"
	"github.com/goliatone/go-billing/runner"
	sqlstore "github.com/goliatone/go-billing/store/sql"
	"github.com/goliatone/go-billing/webhooks"
	job "github.com/goliatone/go-job"
	jobqueue "github.com/goliatone/go-job/queue"
	jobworker "github.com/goliatone/go-job/queue/worker"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	server string
}

func (c testPersistenceConfig) GetDebug() bool                { return false }
func (c testPersistenceConfig) GetDriver() string             { return "sqlite3" }
func (c testPersistenceConfig) GetServer() string             { return c.server }
func (c testPersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c testPersistenceConfig) GetOtelIdentifier() string     { return "go-billing-runner-tests" }

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	dsn := fmt.Sprintf("file:billing-runner-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(testPersistenceConfig{server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	_, err = billingmigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != billingmigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, billingmigrations.WithValidationTargets(billingmigrations.DialectSQLite))
	if err != nil {
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func testConfig() core.Config {
	cfg := core.DefaultConfig()
	cfg.Queue.Concurrency = 1
	cfg.Queue.PollIntervalMS = 10
	return cfg
}

type webhookSink struct {
	mu     sync.Mutex
	events []webhooks.EventPayload
	errs   []error
}

func (s *webhookSink) handler(secret string) http.Handler {
	verifier := webhooks.Verifier{Secret: secret}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := verifier.Verify(r.Header, body); err != nil {
			s.errs = append(s.errs, err)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var payload webhooks.EventPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			s.errs = append(s.errs, err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.events = append(s.events, payload)
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *webhookSink) types() []core.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.EventType, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, core.EventType(event.Type))
	}
	return out
}

func TestRuntime_ChargesDueOrderAndDeliversWebhooks(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)

	sink := &webhookSink{}
	server := httptest.NewServer(sink.handler("whsec_test"))
	defer server.Close()

	if _, err := factory.AccountStore().Upsert(ctx, core.Account{
		ID:            "acct_1",
		Name:          "Acme",
		WebhookURL:    server.URL,
		WebhookSecret: "whsec_test",
		WalletRef:     "wallet-1",
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	memory := queue.NewMemoryQueue()
	sandbox := onchain.NewSandbox()
	rt, err := runner.New(factory, runner.Options{
		Config:     testConfig(),
		Onchain:    sandbox,
		Queue:      memory,
		HTTPClient: server.Client(),
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	created, err := rt.Service.CreateSubscription(ctx, core.CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Provider:           "base",
		Amount:             decimal.RequireFromString("9.99"),
		PeriodSeconds:      2592000,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	rt.Service.Wait()

	fired, _, err := rt.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if fired != 1 {
		t.Fatalf("expected one timer to fire, got %d", fired)
	}
	if _, err := rt.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	order, err := factory.OrderStore().GetOrder(ctx, created.OrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != core.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", order.Status)
	}
	subscription, err := factory.OrderStore().GetSubscription(ctx, "0xperm")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if subscription.Status != core.SubscriptionStatusActive {
		t.Fatalf("expected active subscription, got %s", subscription.Status)
	}
	if charges := sandbox.Charges(); len(charges) != 1 || charges[0].WalletRef != "wallet-1" {
		t.Fatalf("expected one charge with wallet ref, got %#v", charges)
	}

	active, err := factory.OrderStore().ListActiveOrders(ctx, "0xperm")
	if err != nil {
		t.Fatalf("list active orders: %v", err)
	}
	if len(active) != 1 || active[0].OrderNumber != 2 {
		t.Fatalf("expected the next order to be pending, got %#v", active)
	}

	seen := map[core.EventType]bool{}
	for _, eventType := range sink.types() {
		seen[eventType] = true
	}
	for _, want := range []core.EventType{core.EventSubscriptionCreated, core.EventPaymentProcessed} {
		if !seen[want] {
			t.Fatalf("expected %s webhook, got %v", want, sink.types())
		}
	}
	if len(sink.errs) != 0 {
		t.Fatalf("unexpected webhook verification errors: %v", sink.errs)
	}
	if memory.Len(queue.TopicWebhooks) != 0 || memory.Len(queue.DeadLetterTopic(queue.TopicWebhooks)) != 0 {
		t.Fatalf("expected webhook queues to be empty")
	}
}

func TestRuntime_RedisBackendUsesRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testConfig()
	cfg.Queue.Backend = core.QueueBackendRedis
	rt, err := runner.New(newFactory(t), runner.Options{
		Config:  cfg,
		Onchain: onchain.NewSandbox(),
		Redis:   client,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if _, ok := rt.Queue.(*redisqueue.Queue); !ok {
		t.Fatalf("expected redis queue backend, got %T", rt.Queue)
	}
	if _, ok := rt.Locker.(*lock.RedsyncLocker); !ok {
		t.Fatalf("expected redsync locker, got %T", rt.Locker)
	}
	if len(rt.Workers) != 4 {
		t.Fatalf("expected dispatch, webhook and two dead letter workers, got %d", len(rt.Workers))
	}
}

func TestRuntime_DefaultsToSQLQueueAndLocalLocks(t *testing.T) {
	rt, err := runner.New(newFactory(t), runner.Options{
		Config:  testConfig(),
		Onchain: onchain.NewSandbox(),
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if _, ok := rt.Queue.(*sqlstore.QueueStore); !ok {
		t.Fatalf("expected sql queue backend, got %T", rt.Queue)
	}
	if _, ok := rt.Locker.(*lock.LocalLocker); !ok {
		t.Fatalf("expected local locker, got %T", rt.Locker)
	}
}

func TestRuntime_RejectsInvalidConfig(t *testing.T) {
	factory := newFactory(t)
	cfg := testConfig()
	cfg.RetryMode = "hourly"
	if _, err := runner.New(factory, runner.Options{Config: cfg, Onchain: onchain.NewSandbox()}); err == nil {
		t.Fatalf("expected invalid retry mode to fail")
	}
	if _, err := runner.New(factory, runner.Options{Config: testConfig()}); err == nil {
		t.Fatalf("expected missing onchain capability to fail")
	}
	if _, err := runner.New(nil, runner.Options{Config: testConfig(), Onchain: onchain.NewSandbox()}); err == nil {
		t.Fatalf("expected missing factory to fail")
	}
}

func TestRuntime_RunStopsOnCancel(t *testing.T) {
	rt, err := runner.New(newFactory(t), runner.Options{
		Config:  testConfig(),
		Onchain: onchain.NewSandbox(),
		Queue:   queue.NewMemoryQueue(),
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runtime did not stop after cancel")
	}
}

type jobQueue struct {
	mu       sync.Mutex
	messages []*job.ExecutionMessage
}

func (q *jobQueue) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *jobQueue) Dequeue(context.Context) (jobqueue.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return &jobDelivery{queue: q, msg: msg}, nil
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

type jobDelivery struct {
	queue *jobQueue
	msg   *job.ExecutionMessage
}

func (d *jobDelivery) Message() *job.ExecutionMessage { return d.msg }
func (d *jobDelivery) Ack(context.Context) error      { return nil }

func (d *jobDelivery) Nack(ctx context.Context, opts jobqueue.NackOptions) error {
	if opts.Requeue {
		return d.queue.Enqueue(ctx, d.msg)
	}
	return nil
}

type countingJobHook struct {
	mu        sync.Mutex
	successes int
}

func (h *countingJobHook) OnStart(context.Context, jobworker.Event)   {}
func (h *countingJobHook) OnFailure(context.Context, jobworker.Event) {}
func (h *countingJobHook) OnRetry(context.Context, jobworker.Event)   {}

func (h *countingJobHook) OnSuccess(context.Context, jobworker.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.successes++
}

func TestRuntime_GoJobBackendCarriesDispatch(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	if _, err := factory.AccountStore().Upsert(ctx, core.Account{ID: "acct_1", Name: "Acme", WalletRef: "wallet-1"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	cfg := testConfig()
	cfg.Queue.Backend = core.QueueBackendGoJob
	if _, err := runner.New(factory, runner.Options{Config: cfg, Onchain: onchain.NewSandbox()}); err == nil {
		t.Fatalf("expected gojob backend without a go-job queue to fail")
	}

	transport := &jobQueue{}
	hook := &countingJobHook{}
	rt, err := runner.New(factory, runner.Options{
		Config:      cfg,
		Onchain:     onchain.NewSandbox(),
		JobEnqueuer: transport,
		JobDequeuer: transport,
		JobHook:     hook,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if _, ok := rt.Queue.(*gojob.Backend); !ok {
		t.Fatalf("expected go-job queue backend, got %T", rt.Queue)
	}

	created, err := rt.Service.CreateSubscription(ctx, core.CreateSubscriptionRequest{
		SubscriptionID:     "0xperm",
		AccountID:          "acct_1",
		BeneficiaryAddress: "0xbeneficiary",
		Provider:           "base",
		Amount:             decimal.NewFromInt(10),
		PeriodSeconds:      2592000,
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	rt.Service.Wait()
	if _, _, err := rt.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := rt.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	order, err := factory.OrderStore().GetOrder(ctx, created.OrderID)
	if err != nil || order.Status != core.OrderStatusPaid {
		t.Fatalf("expected order paid over go-job, got %#v (%v)", order, err)
	}
	if transport.len() != 0 {
		t.Fatalf("expected go-job queue drained, %d left", transport.len())
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	if hook.successes == 0 {
		t.Fatalf("expected worker events forwarded to the go-job hook")
	}
}
