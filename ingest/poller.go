package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/inimical023/callflow/bus"
	"github.com/inimical023/callflow/callsource"
	"github.com/inimical023/callflow/envelope"
)

// seed is the derivation seed for ingested call_logged ids.
const seed = "ingest"

// Leader reports whether this instance may poll. *cluster.Elector
// satisfies it.
type Leader interface {
	IsLeader() bool
}

// Result summarizes one polling run.
type Result struct {
	From      time.Time
	To        time.Time
	Fetched   int
	Filtered  int
	Published int
	Skipped   bool
}

// Option configures a Poller.
type Option func(*Poller)

// WithExtensions sets the extensions polled on each run.
func WithExtensions(ids ...string) Option {
	return func(p *Poller) { p.extensions = append([]string(nil), ids...) }
}

// WithSchedule sets the cron expression. Standard five-field expressions and
// descriptors such as "@every 5m" are accepted.
func WithSchedule(expr string) Option { return func(p *Poller) { p.schedule = expr } }

// WithLookback sets the window of the first run.
func WithLookback(d time.Duration) Option { return func(p *Poller) { p.lookback = d } }

// WithConcurrency bounds the number of extensions fetched at once.
func WithConcurrency(n int) Option { return func(p *Poller) { p.concurrency = n } }

// WithFilter sets the CEL filter applied to fetched calls.
func WithFilter(f *Filter) Option { return func(p *Poller) { p.filter = f } }

// WithLeader gates runs on leadership. Without it every run polls.
func WithLeader(l Leader) Option { return func(p *Poller) { p.leader = l } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Poller periodically publishes call_logged for new calls.
type Poller struct {
	source      callsource.Source
	bus         bus.Bus
	leader      Leader
	filter      *Filter
	extensions  []string
	schedule    string
	lookback    time.Duration
	concurrency int
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	running atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPoller creates a Poller.
func NewPoller(src callsource.Source, b bus.Bus, opts ...Option) *Poller {
	p := &Poller{
		source:      src,
		bus:         b,
		schedule:    "@every 5m",
		lookback:    24 * time.Hour,
		concurrency: 4,
		logger:      slog.Default(),
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Start launches the schedule loop.
func (p *Poller) Start(_ context.Context) error {
	sched, err := ParseSchedule(p.schedule)
	if err != nil {
		return fmt.Errorf("ingest: parse schedule %q: %w", p.schedule, err)
	}
	if len(p.extensions) == 0 {
		return errors.New("ingest: no extensions configured")
	}
	p.wg.Add(1)
	go p.loop(sched)
	p.logger.Info("call ingestion started",
		slog.String("schedule", p.schedule),
		slog.Int("extensions", len(p.extensions)),
		slog.String("filter", p.filter.String()),
	)
	return nil
}

// Stop ends the loop and waits for an in-progress run.
func (p *Poller) Stop(_ context.Context) error {
	select {
	case <-p.stopCh:
		return nil
	default:
	}
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("call ingestion stopped")
	return nil
}

func (p *Poller) loop(sched cronlib.Schedule) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-p.stopCh
		cancel()
	}()

	for {
		now := p.now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("call ingestion failed", slog.String("error", err.Error()))
		}
	}
}

// Poll runs one ingestion pass. It is a no-op when this instance is not the
// leader or another pass is still running. The window only advances when
// every extension was fetched and published.
func (p *Poller) Poll(ctx context.Context) (Result, error) {
	if p.leader != nil && !p.leader.IsLeader() {
		return Result{Skipped: true}, nil
	}
	if !p.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}, nil
	}
	defer p.running.Store(false)

	to := p.now().UTC()
	p.mu.Lock()
	from := p.lastRun
	p.mu.Unlock()
	if from.IsZero() {
		from = to.Add(-p.lookback)
	}
	res := Result{From: from, To: to}

	var fetched, filtered, published atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, ext := range p.extensions {
		g.Go(func() error {
			calls, err := p.source.FetchCallLogs(gctx, callsource.Filter{ExtensionID: ext, From: from, To: to})
			if err != nil {
				return fmt.Errorf("ingest: fetch extension %s: %w", ext, err)
			}
			fetched.Add(int64(len(calls)))
			for i := range calls {
				call := &calls[i]
				ok, err := p.filter.Match(call)
				if err != nil {
					return err
				}
				if !ok {
					filtered.Add(1)
					continue
				}
				if err := p.publish(gctx, call); err != nil {
					return err
				}
				published.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()

	res.Fetched = int(fetched.Load())
	res.Filtered = int(filtered.Load())
	res.Published = int(published.Load())
	if err != nil {
		return res, err
	}

	p.mu.Lock()
	p.lastRun = to
	p.mu.Unlock()
	p.logger.Info("call ingestion run complete",
		slog.Time("from", from),
		slog.Time("to", to),
		slog.Int("fetched", res.Fetched),
		slog.Int("filtered", res.Filtered),
		slog.Int("published", res.Published),
	)
	return res, nil
}

// LastRun returns the end of the last successful window.
func (p *Poller) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

func (p *Poller) publish(ctx context.Context, call *envelope.CallRecord) error {
	corr := envelope.CorrelationForCall(call.CallID)
	env, err := envelope.Derive(envelope.TypeCallLogged, corr, seed, envelope.CallLogged{Call: *call})
	if err != nil {
		return fmt.Errorf("ingest: build call_logged for %s: %w", call.CallID, err)
	}
	if err := p.bus.Publish(ctx, env.Type.Topic(), env); err != nil {
		return fmt.Errorf("ingest: publish call_logged for %s: %w", call.CallID, err)
	}
	return nil
}
