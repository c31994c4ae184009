package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/backoff"
	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/cluster"
	"github.com/inimical023/callflow/crm"
	"github.com/inimical023/callflow/dedup"
	"github.com/inimical023/callflow/dlq"
	"github.com/inimical023/callflow/envelope"
	"github.com/inimical023/callflow/ext"
	"github.com/inimical023/callflow/ingest"
	mw "github.com/inimical023/callflow/middleware"
	"github.com/inimical023/callflow/notify"
	"github.com/inimical023/callflow/observability"
	"github.com/inimical023/callflow/orchestrator"
	"github.com/inimical023/callflow/recording"
	"github.com/inimical023/callflow/retry"
	"github.com/inimical023/callflow/store"
	"github.com/inimical023/callflow/stream"
)

const instrumentationName = "github.com/inimical023/callflow"

// Deps are the external dependencies of an Engine.
type Deps struct {
	Store      store.Store
	Bus        bus.Bus
	CRM        crm.Client
	Source     callsource.Source
	Recordings recording.Store

	// Leadership overrides Store as the leadership backend of the
	// ingestion poller, e.g. a Kubernetes Lease provider.
	Leadership cluster.Store
}

// Engine owns the running subsystems.
type Engine struct {
	cfg        callflow.Config
	deps       Deps
	logger     *slog.Logger
	extensions *ext.Registry
	broker     *stream.Broker
	dedup      *dedup.Service
	dlq        *dlq.Service
	scheduler  *retry.Scheduler
	orch       *orchestrator.Orchestrator
	mws        []mw.Middleware
	exts       []ext.Extension
	bo         backoff.Strategy

	crmLimit float64
	crmBurst int

	sender     notify.Sender
	notifyOpts []notify.Option
	notifier   *notify.Notifier

	ingestOpts []ingest.Option
	holder     string
	leaseTTL   time.Duration
	elector    *cluster.Elector
	poller     *ingest.Poller

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	subs []bus.Subscription

	purgeStop chan struct{}
	purgeWG   sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithExtension registers an extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.exts = append(e.exts, x) }
}

// WithMiddleware appends a delivery middleware after the defaults.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithBackoff replaces the backoff strategy derived from the retry config.
func WithBackoff(b backoff.Strategy) Option { return func(e *Engine) { e.bo = b } }

// WithCRMRateLimit throttles CRM calls to limit per second with burst.
func WithCRMRateLimit(limit float64, burst int) Option {
	return func(e *Engine) {
		e.crmLimit = limit
		e.crmBurst = burst
	}
}

// WithNotifier consumes lead_processed and sends notifications via sender.
func WithNotifier(sender notify.Sender, opts ...notify.Option) Option {
	return func(e *Engine) {
		e.sender = sender
		e.notifyOpts = opts
	}
}

// WithIngest runs the call-log poller. It only polls while this instance
// holds leadership.
func WithIngest(opts ...ingest.Option) Option {
	return func(e *Engine) { e.ingestOpts = append(e.ingestOpts, opts...) }
}

// WithLeadership sets the lease holder name and TTL of the ingestion
// leader election. The holder defaults to host-pid-nanos.
func WithLeadership(holder string, ttl time.Duration) Option {
	return func(e *Engine) {
		e.holder = holder
		e.leaseTTL = ttl
	}
}

// WithTracerProvider sets the tracer provider used by the tracing
// middleware. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider used by the metrics middleware
// and the observability extension.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// Build assembles an Engine.
func Build(cfg callflow.Config, deps Deps, opts ...Option) (*Engine, error) {
	switch {
	case deps.Store == nil:
		return nil, callflow.ErrNoStore
	case deps.Bus == nil:
		return nil, errors.New("callflow: no bus configured")
	case deps.CRM == nil, deps.Source == nil, deps.Recordings == nil:
		return nil, errors.New("callflow: crm, call source and recording store are required")
	}

	eng := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	eng.extensions = ext.NewRegistry(eng.logger)

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	eng.broker = stream.NewBroker(eng.logger)
	eng.extensions.Register(eng.broker)
	for _, x := range eng.exts {
		eng.extensions.Register(x)
	}

	eng.dedup = dedup.NewService(deps.Store,
		dedup.WithNamespace(cfg.ConsumerGroup),
		dedup.WithTTL(cfg.DedupTTL),
		dedup.WithLease(cfg.DedupLease),
		dedup.WithLogger(eng.logger),
	)
	eng.dlq = dlq.NewService(deps.Store, deps.Bus, eng.logger)

	client := crm.WithTimeout(deps.CRM, cfg.CallTimeout)
	if eng.crmLimit > 0 {
		client = crm.RateLimited(client, eng.crmLimit, eng.crmBurst)
	}
	eng.orch = orchestrator.New(orchestrator.Deps{
		Store:      deps.Store,
		Bus:        deps.Bus,
		Dedup:      eng.dedup,
		CRM:        client,
		Source:     callsource.WithTimeout(deps.Source, cfg.CallTimeout),
		Recordings: deps.Recordings,
	},
		orchestrator.WithExtensions(eng.extensions),
		orchestrator.WithLogger(eng.logger),
	)

	policy := retry.PolicyFromConfig(cfg.Retry)
	if eng.bo != nil {
		policy.Backoff = eng.bo
	}
	eng.scheduler = retry.NewScheduler(deps.Bus, eng.dlq,
		retry.WithPolicy(policy),
		retry.WithFailer(eng.orch),
		retry.WithExtensions(eng.extensions),
		retry.WithLogger(eng.logger),
	)

	if eng.sender != nil {
		nd := dedup.NewService(deps.Store,
			dedup.WithNamespace("notify"),
			dedup.WithTTL(cfg.DedupTTL),
			dedup.WithLease(cfg.DedupLease),
			dedup.WithLogger(eng.logger),
		)
		n, err := notify.New(eng.sender, nd, append([]notify.Option{notify.WithLogger(eng.logger)}, eng.notifyOpts...)...)
		if err != nil {
			return nil, fmt.Errorf("engine: notifier: %w", err)
		}
		eng.notifier = n
	}

	if len(eng.ingestOpts) > 0 {
		leadership := deps.Leadership
		if leadership == nil {
			leadership = deps.Store
		}
		holder := eng.holder
		if holder == "" {
			holder = holderName()
		}
		electorOpts := []cluster.ElectorOption{cluster.WithElectorLogger(eng.logger)}
		if eng.leaseTTL > 0 {
			electorOpts = append(electorOpts, cluster.WithTTL(eng.leaseTTL))
		}
		eng.elector = cluster.NewElector(leadership, holder, electorOpts...)
		pollerOpts := append([]ingest.Option{
			ingest.WithLeader(eng.elector),
			ingest.WithLogger(eng.logger),
		}, eng.ingestOpts...)
		eng.poller = ingest.NewPoller(callsource.WithTimeout(deps.Source, cfg.CallTimeout), deps.Bus, pollerOpts...)
	}

	return eng, nil
}

// middleware returns the delivery chain.
func (eng *Engine) middleware() []mw.Middleware {
	var tracing, metrics mw.Middleware
	if eng.tracerProvider != nil {
		tracing = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracing = mw.Tracing()
	}
	if eng.meterProvider != nil {
		metrics = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metrics = mw.Metrics()
	}
	return append([]mw.Middleware{
		mw.Recover(eng.logger),
		tracing,
		metrics,
		mw.Logging(eng.logger),
		mw.Correlation(),
		mw.Timeout(eng.cfg.HandlerTimeout),
	}, eng.mws...)
}

// handler wraps h with the middleware chain and the retry scheduler.
func (eng *Engine) handler(h bus.Handler) bus.Handler {
	return eng.scheduler.Wrap(mw.Wrap(h, eng.middleware()...))
}

// Start subscribes the orchestrator (and the notifier) and starts the
// ingestion poller.
func (eng *Engine) Start(ctx context.Context) error {
	orch := eng.handler(eng.orch.Handle)
	for _, topic := range orchestrator.Topics() {
		sub, err := eng.deps.Bus.Subscribe(topic, orch, bus.WithGroup(eng.cfg.ConsumerGroup))
		if err != nil {
			return eng.abort(ctx, fmt.Errorf("engine: subscribe %s: %w", topic, err))
		}
		eng.subs = append(eng.subs, sub)
	}

	if eng.notifier != nil {
		sub, err := eng.deps.Bus.Subscribe(envelope.TypeLeadProcessed.Topic(), eng.handler(eng.notifier.Handle), bus.WithGroup("notify"))
		if err != nil {
			return eng.abort(ctx, fmt.Errorf("engine: subscribe notifier: %w", err))
		}
		eng.subs = append(eng.subs, sub)
	}

	if eng.poller != nil {
		if err := eng.elector.Start(ctx); err != nil {
			return eng.abort(ctx, fmt.Errorf("engine: start elector: %w", err))
		}
		if err := eng.poller.Start(ctx); err != nil {
			return eng.abort(ctx, fmt.Errorf("engine: start ingest: %w", err))
		}
	}

	if every := eng.cfg.DedupPurgeInterval; every > 0 {
		eng.purgeStop = make(chan struct{})
		eng.purgeWG.Add(1)
		go eng.purgeLoop(every)
	}

	eng.logger.Info("callflow engine started",
		slog.String("consumer_group", eng.cfg.ConsumerGroup),
		slog.Int("subscriptions", len(eng.subs)),
		slog.Bool("notify", eng.notifier != nil),
		slog.Bool("ingest", eng.poller != nil),
	)
	return nil
}

func (eng *Engine) abort(ctx context.Context, err error) error {
	if stopErr := eng.Stop(ctx); stopErr != nil {
		return errors.Join(err, stopErr)
	}
	return err
}

// Stop unsubscribes, stops the poller and closes the bus. In-flight
// deliveries get up to the configured shutdown timeout.
func (eng *Engine) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
	defer cancel()

	if eng.purgeStop != nil {
		close(eng.purgeStop)
		eng.purgeWG.Wait()
		eng.purgeStop = nil
	}

	var errs []error
	if eng.poller != nil {
		errs = append(errs, eng.poller.Stop(ctx))
	}
	if eng.elector != nil {
		errs = append(errs, eng.elector.Stop(ctx))
	}
	for _, sub := range eng.subs {
		errs = append(errs, sub.Unsubscribe())
	}
	eng.subs = nil

	eng.extensions.EmitShutdown(ctx)
	errs = append(errs, eng.deps.Bus.Close(ctx))
	eng.logger.Info("callflow engine stopped")
	return errors.Join(errs...)
}

// purgeLoop deletes expired dedup marks every interval until Stop.
func (eng *Engine) purgeLoop(every time.Duration) {
	defer eng.purgeWG.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-eng.purgeStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			eng.purgeMarks(ctx)
			cancel()
		}
	}
}

func (eng *Engine) purgeMarks(ctx context.Context) {
	n, err := eng.deps.Store.PurgeMarks(ctx, time.Now().UTC())
	if err != nil {
		eng.logger.Warn("dedup purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		eng.logger.Debug("dedup marks purged", slog.Int64("count", n))
	}
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Broker returns the lifecycle stream broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Orchestrator returns the orchestrator.
func (eng *Engine) Orchestrator() *orchestrator.Orchestrator { return eng.orch }

// DLQ returns the dead-letter service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlq }

// Store returns the store backend.
func (eng *Engine) Store() store.Store { return eng.deps.Store }

// Bus returns the event bus.
func (eng *Engine) Bus() bus.Bus { return eng.deps.Bus }

// Poller returns the ingestion poller, or nil.
func (eng *Engine) Poller() *ingest.Poller { return eng.poller }

// Publish validates env and publishes it on its type's topic.
func (eng *Engine) Publish(ctx context.Context, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	return eng.deps.Bus.Publish(ctx, env.Type.Topic(), env)
}

func holderName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "callflow"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
