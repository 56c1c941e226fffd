package sweepd

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultPollSchedule wakes the poller every ten minutes.
const DefaultPollSchedule = "@every 10m"

// Poller wakes on a cron schedule and runs a sweep cycle once the chain has
// reached the scheduled height. It owns the state threaded between cycles.
type Poller struct {
	scheduler *Scheduler
	schedule  string
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	cron      *cron.Cron

	// cycle serialises wakes; a wake finding it held returns immediately.
	cycle sync.Mutex
	// wakes counts wakes started outside cron, which cron.Stop does not track.
	wakes sync.WaitGroup

	mu        sync.Mutex
	state     State
	paused    bool
	triggered bool
	height    uint64
	lastPoll  time.Time
	last      *CycleReport
}

// Snapshot is a point-in-time view of the poller for operators.
type Snapshot struct {
	Paused    bool         `json:"paused"`
	State     State        `json:"state"`
	Height    uint64       `json:"height"`
	LastPoll  time.Time    `json:"last_poll"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
}

// NewPoller constructs a poller running scheduler on the cron schedule.
func NewPoller(scheduler *Scheduler, schedule string, metrics *Metrics, logger *slog.Logger) *Poller {
	if schedule == "" {
		schedule = DefaultPollSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		scheduler: scheduler,
		schedule:  schedule,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Start registers the poll job, starts the cron scheduler and fires one wake
// immediately. Jobs run with ctx.
func (p *Poller) Start(ctx context.Context) error {
	clog := cronLogger{logger: p.logger}
	p.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	id, err := p.cron.AddFunc(p.schedule, func() { p.Poll(ctx) })
	if err != nil {
		return fmt.Errorf("unable to schedule poller %q: %w", p.schedule, err)
	}
	initial := p.cron.Entry(id).WrappedJob
	p.cron.Start()
	p.logger.Info("sweep poller started", "schedule", p.schedule)
	p.wakes.Add(1)
	go func() {
		defer p.wakes.Done()
		initial.Run()
	}()
	return nil
}

// Stop halts the schedule. The returned context is done once every running
// wake, including the start-up one, has finished.
func (p *Poller) Stop() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	var scheduled context.Context
	if p.cron != nil {
		scheduled = p.cron.Stop()
	}
	go func() {
		defer cancel()
		if scheduled != nil {
			<-scheduled.Done()
		}
		p.wakes.Wait()
	}()
	return ctx
}

// Poll performs one wake: it does nothing while paused or before the scheduled
// height, and otherwise runs exactly one cycle and stores the next state.
func (p *Poller) Poll(ctx context.Context) {
	if !p.cycle.TryLock() {
		p.logger.Info("previous wake still running")
		return
	}
	defer p.cycle.Unlock()

	p.mu.Lock()
	paused := p.paused
	state := p.state
	p.triggered = false
	p.mu.Unlock()

	if paused {
		p.logger.Info("sweeping paused, skipping wake")
		p.metrics.RecordPoll("paused")
		return
	}

	due, height, err := p.scheduler.Due(ctx, state)
	if err != nil {
		p.logger.Error("poll chain height", "error", err)
		p.metrics.RecordPoll("error")
		return
	}
	p.metrics.SetChainHeight(height)
	p.mu.Lock()
	p.height = height
	p.lastPoll = p.now()
	p.mu.Unlock()

	if !due {
		p.logger.Info("waiting for next sweep", "height", height, "next_sweep_height", state.NextSweepHeight)
		p.metrics.RecordPoll("waiting")
		return
	}
	p.metrics.RecordPoll("evaluated")
	next, report := p.scheduler.Run(ctx, state, height)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &report
	if p.triggered {
		// Trigger arrived mid-cycle; keep the forced evaluation.
		next = State{}
		p.triggered = false
	}
	p.state = next
}

// Trigger makes the next wake evaluate regardless of the scheduled height.
func (p *Poller) Trigger() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = State{}
	p.triggered = true
	p.logger.Info("sweep triggered by operator")
}

// Pause stops future wakes from running cycles. A running cycle completes.
func (p *Poller) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.metrics.SetPause(true)
	p.logger.Warn("sweeping paused by operator")
}

// Resume re-enables cycles.
func (p *Poller) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.metrics.SetPause(false)
	p.logger.Info("sweeping resumed by operator")
}

// Snapshot reports the current poller state.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Paused:   p.paused,
		State:    p.state,
		Height:   p.height,
		LastPoll: p.lastPoll,
	}
	if p.last != nil {
		report := *p.last
		snap.LastCycle = &report
	}
	return snap
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
