package sweepd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"proxysweep/services/sweepd/chain"
)

// DefaultRetryWindow is the number of blocks to wait before re-evaluating when
// nothing was announced in a delayed cycle.
const DefaultRetryWindow uint64 = 100

// Account outcomes reported per cycle.
const (
	OutcomeSkipped     = "skipped"
	OutcomeDeferred    = "deferred"
	OutcomeTransferred = "transferred"
	OutcomeAnnounced   = "announced"
	OutcomeFailed      = "failed"
)

// State is threaded from one cycle into the next. The zero value triggers an
// immediate cycle.
type State struct {
	NextSweepHeight uint64 `json:"next_sweep_height"`
}

// AccountReport summarises the decisions taken for one source account.
type AccountReport struct {
	Account    string `json:"account"`
	Outcome    string `json:"outcome"`
	Sweepable  string `json:"sweepable,omitempty"`
	Amount     string `json:"amount,omitempty"`
	Executed   int    `json:"executed,omitempty"`
	Stale      int    `json:"stale,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	Mismatched int    `json:"mismatched,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// CycleReport summarises one sweep cycle.
type CycleReport struct {
	ID              string          `json:"id"`
	Height          uint64          `json:"height"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration"`
	Accounts        []AccountReport `json:"accounts"`
	Deferred        bool            `json:"deferred"`
	NextSweepHeight uint64          `json:"next_sweep_height"`
	Error           string          `json:"error,omitempty"`
}

// Scheduler runs sweep cycles over the configured source accounts and decides
// the height of the next one.
type Scheduler struct {
	gateway  chain.Gateway
	settings Settings
	planner  *Planner
	tracker  *Tracker
	executor *Executor
	journal  Journal
	metrics  *Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option customises the scheduler instance.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithJournal records every submission in j.
func WithJournal(j Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.now = clock }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

// NewScheduler constructs a scheduler sweeping through gateway.
func NewScheduler(gateway chain.Gateway, settings Settings, opts ...Option) *Scheduler {
	s := &Scheduler{
		gateway:  gateway,
		settings: settings,
		metrics:  NewMetrics(),
		journal:  nopJournal{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("sweepd/scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.journal == nil {
		s.journal = nopJournal{}
	}
	if s.settings.RetryWindow == 0 {
		s.settings.RetryWindow = DefaultRetryWindow
	}
	s.planner = NewPlanner(gateway)
	s.tracker = NewTracker(gateway, s.planner, s.settings, s.logger)
	s.executor = NewExecutor(gateway, s.settings, s.journal, s.metrics, s.logger)
	s.executor.now = s.now
	return s
}

// Due reads the best block height and reports whether it has reached the
// trigger in state.
func (s *Scheduler) Due(ctx context.Context, state State) (bool, uint64, error) {
	height, err := s.gateway.CurrentHeight(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("read current height: %w", err)
	}
	return height >= state.NextSweepHeight, height, nil
}

// cycle holds the bookkeeping of one Run.
type cycle struct {
	*Scheduler
	log    *slog.Logger
	height uint64
	floor  *big.Int
	props  chain.Properties

	pending    map[string][]Announcement
	pendingErr error

	deferred     bool
	deferUntil   uint64
	announced    bool
	lastAnnounce uint64
}

// Run evaluates every source account once at height and returns the state for
// the next cycle. Individual account failures are logged and reported; they
// never abort the cycle.
func (s *Scheduler) Run(ctx context.Context, state State, height uint64) (State, CycleReport) {
	id := uuid.NewString()
	ctx = withCycleID(ctx, id)
	ctx, span := s.tracer.Start(ctx, "sweepd.cycle", trace.WithAttributes(
		attribute.String("cycle.id", id),
		attribute.Int64("chain.height", int64(height)),
	))
	defer span.End()

	start := s.now()
	report := CycleReport{ID: id, Height: height, StartedAt: start}
	c := &cycle{
		Scheduler: s,
		log:       s.logger.With("cycle", id, "height", height),
		height:    height,
	}
	c.log.Info("sweep cycle started", "next_sweep_height", state.NextSweepHeight, "accounts", len(s.settings.Sources))

	props, err := s.gateway.Properties(ctx)
	if err != nil {
		next := height + s.settings.RetryWindow
		c.log.Error("read token properties", "error", err, "next_sweep_height", next)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		report.Error = err.Error()
		return c.finish(span, report, next, "aborted")
	}
	c.props = props
	c.floor = Floor(s.settings.Retained, props.TokenDecimals)

	if s.settings.Delay > 0 {
		c.pending, c.pendingErr = s.tracker.Pending(ctx, c.floor)
		if c.pendingErr != nil {
			c.log.Error("pending announcements unavailable", "error", c.pendingErr)
			span.RecordError(c.pendingErr)
		} else {
			count := 0
			for _, list := range c.pending {
				count += len(list)
			}
			s.metrics.SetPendingAnnouncements(count)
		}
	}

	for _, source := range s.settings.Sources {
		report.Accounts = append(report.Accounts, c.sweepAccount(ctx, source))
	}

	next := c.nextHeight(ctx)
	report.Deferred = c.deferred
	outcome := "completed"
	if c.deferred {
		outcome = "deferred"
	}
	span.SetStatus(codes.Ok, outcome)
	return c.finish(span, report, next, outcome)
}

func (c *cycle) finish(span trace.Span, report CycleReport, next uint64, outcome string) (State, CycleReport) {
	if next < c.height {
		next = c.height
	}
	report.NextSweepHeight = next
	report.Duration = c.now().Sub(report.StartedAt)
	span.SetAttributes(attribute.Int64("sweep.next_height", int64(next)))
	c.metrics.ObserveCycle(outcome, report.Duration)
	c.metrics.SetNextSweepHeight(next)
	c.log.Info("next sweep scheduled", "next_sweep_height", next, "deferred", report.Deferred)
	return State{NextSweepHeight: next}, report
}

func (c *cycle) sweepAccount(ctx context.Context, source string) AccountReport {
	ctx, span := c.tracer.Start(ctx, "sweepd.account", trace.WithAttributes(attribute.String("account", source)))
	defer span.End()

	out := AccountReport{Account: source}
	log := c.log.With("account", chain.Checksum(source))
	fail := func(msg string, err error) AccountReport {
		log.Error(msg, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out.Outcome = OutcomeFailed
		out.Detail = err.Error()
		return out
	}

	sweepable, _, err := c.planner.Sweepable(ctx, source, c.floor)
	if err != nil {
		c.metrics.RecordSkip("balance_unavailable")
		return fail("read balance", err)
	}
	out.Sweepable = sweepable.String()
	if sweepable.Sign() <= 0 {
		log.Info("no funds to sweep")
		c.metrics.RecordSkip("below_floor")
		out.Outcome = OutcomeSkipped
		out.Detail = "below floor"
		return out
	}
	log.Info("sweepable funds", "amount", formatAmount(sweepable, c.props))

	if c.settings.Delay > 0 {
		if c.pendingErr != nil {
			// An unknown announcement set could hide one already in flight.
			log.Error("skipping account, pending announcements unknown")
			c.metrics.RecordSkip("announcements_unavailable")
			out.Outcome = OutcomeSkipped
			out.Detail = "announcements unavailable"
			return out
		}
		executed := new(big.Int)
		for _, ann := range c.pending[source] {
			alog := log.With("announced_height", ann.AnnouncedHeight, "executable_height", ann.ExecutableHeight)
			switch {
			case ann.Expected.Cmp(sweepable) > 0:
				alog.Error("announced amount exceeds sweepable funds, skipping announcement",
					"announced_amount", formatAmount(ann.Expected, c.props),
					"sweepable", formatAmount(sweepable, c.props))
				c.metrics.RecordSkip("stale_announcement")
				out.Stale++
			case !ann.Mature(c.height):
				alog.Warn("announcement not executable yet, deferring account")
				c.metrics.RecordSkip("announcement_immature")
				c.deferTo(ann.ExecutableHeight)
				out.Outcome = OutcomeDeferred
				out.Detail = fmt.Sprintf("announcement executable at %d", ann.ExecutableHeight)
				return out
			default:
				alog.Info("executing announcement", "amount", formatAmount(ann.Expected, c.props))
				receipt, err := c.executor.ExecuteAnnounced(ctx, ann)
				if errors.Is(err, ErrCallHashMismatch) {
					alog.Error("announced call does not match rebuilt transfer, skipping announcement", "error", err)
					c.metrics.RecordSkip("call_hash_mismatch")
					out.Mismatched++
					continue
				}
				if err != nil {
					alog.Error("execute announcement", "error", err)
					span.RecordError(err)
					out.Failed++
					continue
				}
				alog.Info("announcement executed", "block", receipt.Height, "extrinsic", receipt.ExtrinsicHash)
				c.metrics.RecordSwept(c.props.TokenSymbol, ann.Expected, c.props.TokenDecimals)
				sweepable.Sub(sweepable, ann.Expected)
				executed.Add(executed, ann.Expected)
				out.Executed++
			}
		}
		if out.Executed > 0 {
			out.Amount = executed.String()
		}
		if out.Stale > 0 {
			// Announcing again would stack a second announcement on top of the
			// unresolved one.
			log.Error("stale announcement outstanding, not sweeping account", "stale", out.Stale)
			out.Outcome = OutcomeSkipped
			if out.Executed > 0 {
				out.Outcome = OutcomeTransferred
			}
			out.Detail = "stale announcement outstanding"
			return out
		}
	}

	remaining, _, err := c.planner.Sweepable(ctx, source, c.floor)
	if err != nil {
		c.metrics.RecordSkip("balance_unavailable")
		return fail("re-read balance", err)
	}
	// A node still reporting the pre-execution balance must not make executed
	// amounts count twice.
	if out.Executed > 0 && remaining.Cmp(sweepable) > 0 {
		remaining = sweepable
	}
	sweepable = remaining
	out.Sweepable = sweepable.String()
	if sweepable.Sign() <= 0 {
		log.Info("no funds left to sweep")
		out.Outcome = OutcomeSkipped
		if out.Executed > 0 {
			out.Outcome = OutcomeTransferred
		} else {
			c.metrics.RecordSkip("below_floor")
			out.Detail = "below floor"
		}
		return out
	}

	transfer, err := c.gateway.TransferCall(c.settings.Destination, sweepable)
	if err != nil {
		return fail("compose transfer", err)
	}

	if c.settings.Delay == 0 {
		receipt, err := c.executor.ProxyTransfer(ctx, transfer, source)
		if err != nil {
			return fail("proxy transfer", err)
		}
		log.Info("funds swept", "amount", formatAmount(sweepable, c.props),
			"block", receipt.Height, "extrinsic", receipt.ExtrinsicHash)
		c.metrics.RecordSwept(c.props.TokenSymbol, sweepable, c.props.TokenDecimals)
		out.Outcome = OutcomeTransferred
		out.Amount = sweepable.String()
		return out
	}

	log.Info("announcing sweep", "amount", formatAmount(sweepable, c.props), "raw_amount", sweepable.String())
	included, err := c.executor.Announce(ctx, transfer, source)
	if err != nil {
		return fail("announce sweep", err)
	}
	log.Info("sweep announced", "block", included, "executable_height", included+c.settings.Delay)
	if !c.announced || included > c.lastAnnounce {
		c.lastAnnounce = included
	}
	c.announced = true
	out.Outcome = OutcomeAnnounced
	out.Amount = sweepable.String()
	return out
}

func (c *cycle) deferTo(height uint64) {
	if !c.deferred || height < c.deferUntil {
		c.deferUntil = height
	}
	c.deferred = true
}

func (c *cycle) nextHeight(ctx context.Context) uint64 {
	if c.deferred {
		return c.deferUntil
	}
	if c.settings.Delay > 0 {
		if c.announced {
			return c.lastAnnounce + c.settings.Delay
		}
		return c.height + c.settings.RetryWindow
	}
	round, err := c.gateway.Round(ctx)
	if err != nil {
		c.log.Error("read staking round", "error", err)
		return c.height + c.settings.RetryWindow
	}
	if round.Length == 0 {
		c.log.Error("staking round has zero length", "round", round.Current)
		return c.height + c.settings.RetryWindow
	}
	return roundTrigger(round, c.settings.RoundFrequency, c.height)
}

// roundTrigger returns first + length/2 + frequency*length, moved forward by
// whole rounds until it lies beyond height.
func roundTrigger(round chain.Round, frequency float64, height uint64) uint64 {
	offset := uint64(0)
	if frequency > 0 {
		offset = uint64(frequency * float64(round.Length))
	}
	next := round.First + round.Length/2 + offset
	if next <= height {
		next += ((height-next)/round.Length + 1) * round.Length
	}
	return next
}
