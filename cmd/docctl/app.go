package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"doccontrol/internal/dependency"
	depmetrics "doccontrol/internal/dependency/metrics"
	edgestore "doccontrol/internal/document/store/dependency"
	docstore "doccontrol/internal/document/store/document"
	"doccontrol/internal/identity"
	"doccontrol/internal/ledger"
	ledgermetrics "doccontrol/internal/ledger/metrics"
	ledgermemory "doccontrol/internal/ledger/store/memory"
	ledgerpostgres "doccontrol/internal/ledger/store/postgres"
	"doccontrol/internal/notify"
	notifymetrics "doccontrol/internal/notify/metrics"
	"doccontrol/internal/platform/config"
	"doccontrol/internal/platform/kafka"
	"doccontrol/internal/platform/postgres"
	"doccontrol/internal/platform/redis"
	"doccontrol/internal/scheduler"
	"doccontrol/internal/scheduler/dueindex"
	"doccontrol/internal/scheduler/lease"
	schedmetrics "doccontrol/internal/scheduler/metrics"
	"doccontrol/internal/workflow"
	wfmetrics "doccontrol/internal/workflow/metrics"
	"doccontrol/pkg/platform/audit"
	"doccontrol/pkg/platform/audit/publishers/compliance"
	"doccontrol/pkg/platform/audit/publishers/security"
	auditmemory "doccontrol/pkg/platform/audit/store/memory"
	auditpostgres "doccontrol/pkg/platform/audit/store/postgres"
	"doccontrol/pkg/platform/audit/worker"
	"doccontrol/pkg/platform/tx"
)

// documentStore is what both the state machine and the index rebuild read.
type documentStore interface {
	workflow.DocumentStore
	dependency.DocumentStore
	dueindex.DocumentLister
}

// app holds every wired component. Optional infrastructure is nil when not
// configured.
type app struct {
	cfg    config.Server
	logger *slog.Logger

	db       *sql.DB
	redis    *redis.Client
	producer *kafka.Producer

	docs       documentStore
	index      dueindex.Index
	auditStore audit.Store
	outbox     *auditpostgres.Store
	security   *security.Publisher
	dispatcher *notify.Dispatcher
	graph      *dependency.Service
	workflow   *workflow.Service
	scheduler  *scheduler.Scheduler
	relay      *worker.Relay
	policy     *identity.Policy
	verifier   *identity.TokenVerifier
}

// newApp connects the configured infrastructure and wires the services.
// Memory storage is used when no database is configured; it keeps state only
// for the lifetime of the process.
func newApp(ctx context.Context, cfg config.Server, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	var err error
	a.db, err = postgres.Open(ctx, postgres.Config{
		URL:             a.cfg.Database.URL,
		MaxOpenConns:    a.cfg.Database.MaxOpenConns,
		MaxIdleConns:    a.cfg.Database.MaxIdleConns,
		ConnMaxLifetime: a.cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	if a.db != nil {
		if err := postgres.Migrate(ctx, a.db); err != nil {
			return err
		}
	}
	if a.redis, err = redis.New(ctx, a.cfg.Redis); err != nil {
		return err
	}
	a.producer, err = kafka.NewProducer(ctx, kafka.Config{
		Brokers:        a.cfg.Kafka.Brokers,
		ClientID:       a.cfg.Kafka.ClientID,
		ProduceTimeout: a.cfg.Kafka.ProduceTimeout,
	})
	if err != nil {
		return err
	}
	if a.producer != nil {
		if err := a.producer.EnsureTopics(ctx, a.cfg.Kafka.Partitions, a.cfg.Kafka.ReplicationFactor,
			a.cfg.Kafka.NotificationTopic, a.cfg.Kafka.AuditTopic); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) wire() error {
	var (
		runner      tx.Runner
		edges       dependency.EdgeStore
		ledgerStore ledger.Store
	)
	if a.db != nil {
		runner = tx.NewPostgresRunner(a.db, a.cfg.LockTimeout)
		a.docs = docstore.NewPostgres(a.db)
		edges = edgestore.NewPostgres(a.db)
		ledgerStore = ledgerpostgres.New(a.db)
		a.outbox = auditpostgres.New(a.db)
		a.auditStore = a.outbox
	} else {
		runner = tx.NewShardedRunner(a.cfg.LockTimeout)
		a.docs = docstore.NewInMemory()
		edges = edgestore.NewInMemory()
		ledgerStore = ledgermemory.New()
		a.auditStore = auditmemory.NewInMemoryStore()
	}

	if a.redis != nil {
		a.index = dueindex.NewRedis(a.redis.Client)
	} else {
		a.index = dueindex.NewMemory()
	}

	var err error
	a.policy, err = identity.LoadPolicy(a.cfg.Identity.PolicyFile)
	if err != nil {
		return err
	}
	a.verifier, err = identity.NewTokenVerifier(a.cfg.Identity.JWTSigningKey,
		identity.WithIssuer(a.cfg.Identity.Issuer),
		identity.WithAudience(a.cfg.Identity.Audience),
	)
	if err != nil {
		return err
	}

	a.security = security.New(a.auditStore, security.WithLogger(a.logger))
	compliancePublisher, err := compliance.New(a.auditStore,
		compliance.WithLogger(a.logger),
		compliance.WithMetrics(compliance.NewMetrics()),
	)
	if err != nil {
		return err
	}

	var notifier notify.Notifier = notify.NewLogNotifier(a.logger)
	if a.producer != nil {
		if notifier, err = notify.NewKafkaNotifier(a.producer, a.cfg.Kafka.NotificationTopic); err != nil {
			return err
		}
		if a.outbox != nil {
			a.relay = worker.NewRelay(a.outbox, a.producer, a.cfg.Kafka.AuditTopic, worker.WithLogger(a.logger))
		}
	}
	a.dispatcher, err = notify.NewDispatcher(notifier,
		notify.WithMetrics(notifymetrics.New()),
		notify.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	records, err := ledger.New(ledgerStore,
		ledger.WithLogger(a.logger),
		ledger.WithMetrics(ledgermetrics.New()),
		ledger.WithSecurityPublisher(a.security),
	)
	if err != nil {
		return err
	}
	a.graph, err = dependency.New(a.docs, edges, runner,
		dependency.WithAuditor(compliancePublisher),
		dependency.WithMetrics(depmetrics.New()),
		dependency.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.workflow, err = workflow.New(a.docs, records, a.graph, runner,
		workflow.WithAuditor(compliancePublisher),
		workflow.WithSecurityPublisher(a.security),
		workflow.WithDueIndex(a.index),
		workflow.WithDispatcher(a.dispatcher),
		workflow.WithMetrics(wfmetrics.New()),
		workflow.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}

	var tickLease lease.Lease = lease.NewLocal()
	if a.redis != nil {
		if tickLease, err = lease.NewRedis(a.redis.Client, lease.DefaultKey, a.cfg.Scheduler.LeaseTTL); err != nil {
			return err
		}
	}
	a.scheduler, err = scheduler.New(a.workflow, a.index, scheduler.Config{
		Interval:           a.cfg.Scheduler.Interval,
		BatchSize:          a.cfg.Scheduler.BatchSize,
		Concurrency:        a.cfg.Scheduler.Concurrency,
		PerDocumentTimeout: a.cfg.Scheduler.PerDocumentTimeout,
		BlockedRetry:       a.cfg.Scheduler.BlockedRetry,
	},
		scheduler.WithLease(tickLease),
		scheduler.WithDrainer(a.dispatcher),
		scheduler.WithSecurityPublisher(a.security),
		scheduler.WithMetrics(schedmetrics.New()),
		scheduler.WithLogger(a.logger),
	)
	return err
}

// RebuildIndex recomputes the due index from stored documents.
func (a *app) RebuildIndex(ctx context.Context) (int, error) {
	return dueindex.RebuildFrom(ctx, a.index, a.docs)
}

// requireDatabase stops one-shot commands that would only see an empty
// in-memory store.
func (a *app) requireDatabase(command string) error {
	if a.db == nil {
		return fmt.Errorf("%s needs database.url: memory storage does not outlive the process", command)
	}
	return nil
}

// Close flushes buffered security events and releases connections.
func (a *app) Close() {
	if a.security != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.security.Flush(ctx)
		cancel()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("closing connections", "error", err)
	}
}
