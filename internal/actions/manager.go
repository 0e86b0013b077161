package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Interrupter cancels whatever the game client is doing for the agent
// (pathing, combat, gathering). It must not block.
type Interrupter interface {
	RequestInterrupt()
}

// Notes receives system notes for the conversation history.
type Notes interface {
	AddNote(role, text string)
}

// Recorder receives a Record for every finished action.
type Recorder interface {
	RecordAction(Record)
}

// Killer terminates the process when an action refuses to stop. If it
// returns, the stuck action is abandoned and the slot is released.
type Killer func(reason string)

const (
	DefaultTimeout      = 10 * time.Minute
	DefaultPollInterval = 300 * time.Millisecond
	DefaultKillAfter    = 10 * time.Second
	DefaultMaxOutput    = 500
)

type Config struct {
	Logger *zap.Logger
	Clock  clock.Clock

	Interrupter Interrupter
	Notes       Notes
	Recorder    Recorder
	Killer      Killer

	DefaultTimeout time.Duration
	PollInterval   time.Duration
	KillAfter      time.Duration
	MaxOutput      int

	// Generating reports whether code generation is in flight.
	Generating func() bool
	// SelfPrompting reports whether the self-prompt supervisor is on.
	SelfPrompting func() bool
	// OnIdle is invoked on its own goroutine after an action completes
	// without being interrupted.
	OnIdle func()
}

type RunOptions struct {
	// Timeout of zero selects the default; negative disables the deadline.
	Timeout time.Duration
	// Resume stores the action so it is replayed when the agent goes idle.
	Resume bool
}

type run struct {
	id          string
	label       string
	cancel      context.CancelFunc
	done        chan struct{}
	interrupted bool
	timedOut    bool
	abandoned   bool
}

// Manager is the action slot: at most one labelled Operation runs at a time.
type Manager struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock

	mu          sync.Mutex
	cur         *run
	resumeLabel string
	resumeOp    Operation

	idleWG sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.KillAfter <= 0 {
		cfg.KillAfter = DefaultKillAfter
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	m := &Manager{cfg: cfg, log: cfg.Logger.Named("actions"), clk: cfg.Clock}
	if m.cfg.Killer == nil {
		m.cfg.Killer = func(reason string) {
			m.log.Error("killing process", zap.String("reason", reason))
			_ = m.log.Sync()
			os.Exit(1)
		}
	}
	return m
}

// Executing reports whether an action currently owns the slot.
func (m *Manager) Executing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil
}

// CurrentLabel returns the label of the running action, or "" when idle.
func (m *Manager) CurrentLabel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.label
}

// ResumeLabel returns the label stored in the resume slot.
func (m *Manager) ResumeLabel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resumeOp == nil {
		return ""
	}
	return m.resumeLabel
}

func (m *Manager) CancelResume() {
	m.mu.Lock()
	m.resumeLabel, m.resumeOp = "", nil
	m.mu.Unlock()
}

// Wait blocks until all pending idle callbacks have returned.
func (m *Manager) Wait() { m.idleWG.Wait() }

func (m *Manager) idle() bool {
	if m.Executing() {
		return false
	}
	return m.cfg.Generating == nil || !m.cfg.Generating()
}

// Run executes op under label. A running action is stopped first. With
// opts.Resume the pair is stored in the resume slot and executed only if
// the agent is idle.
func (m *Manager) Run(ctx context.Context, label string, op Operation, opts RunOptions) Result {
	if opts.Resume {
		m.mu.Lock()
		m.resumeLabel, m.resumeOp = label, op
		m.mu.Unlock()
		return m.resume(ctx, true, opts.Timeout)
	}
	return m.execute(ctx, label, op, opts.Timeout)
}

// Resume replays the stored resumable action. It only does so when the
// agent is idle and self-prompting is off.
func (m *Manager) Resume(ctx context.Context, timeout time.Duration) Result {
	return m.resume(ctx, false, timeout)
}

func (m *Manager) resume(ctx context.Context, fresh bool, timeout time.Duration) Result {
	m.mu.Lock()
	label, op := m.resumeLabel, m.resumeOp
	m.mu.Unlock()
	if op == nil || !m.idle() {
		return Result{}
	}
	if !fresh && m.cfg.SelfPrompting != nil && m.cfg.SelfPrompting() {
		return Result{}
	}
	return m.execute(ctx, label, op, timeout)
}

func (m *Manager) claim(ctx context.Context, label string) (*run, context.Context) {
	for {
		m.mu.Lock()
		if m.cur == nil {
			runCtx, cancel := context.WithCancel(ctx)
			r := &run{id: uuid.NewString(), label: label, cancel: cancel, done: make(chan struct{})}
			m.cur = r
			m.mu.Unlock()
			return r, runCtx
		}
		prev := m.cur.label
		m.mu.Unlock()
		m.log.Info("preempting action", zap.String("label", label), zap.String("current", prev))
		m.Stop()
	}
}

func (m *Manager) execute(ctx context.Context, label string, op Operation, timeout time.Duration) Result {
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	r, runCtx := m.claim(ctx, label)
	started := m.clk.Now()
	m.log.Debug("executing action", zap.String("label", label), zap.String("id", r.id))

	var deadline *clock.Timer
	if timeout > 0 {
		deadline = m.clk.AfterFunc(timeout, func() { m.expire(r, timeout) })
	}

	var out outputBuffer
	err := invoke(runCtx, op, &out)
	if deadline != nil {
		deadline.Stop()
	}
	r.cancel()

	m.mu.Lock()
	if ctx.Err() != nil {
		r.interrupted = true
	}
	interrupted, timedOut := r.interrupted, r.timedOut
	// Returning the cancellation cause after an interrupt is a clean stop.
	if err != nil && interrupted && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		err = nil
	}
	if r.abandoned {
		m.log.Warn("abandoned action returned", zap.String("label", label))
	}
	if m.cur == r {
		m.cur = nil
	}
	if err != nil {
		m.resumeLabel, m.resumeOp = "", nil
	}
	m.mu.Unlock()
	close(r.done)

	summary := ""
	if !interrupted || timedOut {
		summary = summarize(out.String(), m.cfg.MaxOutput)
	}
	res := Result{Success: true, Message: summary, Interrupted: interrupted, TimedOut: timedOut}
	if err != nil {
		m.log.Warn("action failed", zap.String("label", label), zap.Error(err))
		res = Result{Message: summary + errorMarker + err.Error(), Interrupted: interrupted}
	}

	if m.cfg.Recorder != nil {
		rec := Record{ID: r.id, Label: label, StartedAt: started, Elapsed: m.clk.Since(started), Result: res}
		if err != nil {
			rec.Err = err.Error()
		}
		m.cfg.Recorder.RecordAction(rec)
	}

	if !interrupted && m.cfg.OnIdle != nil && (m.cfg.Generating == nil || !m.cfg.Generating()) {
		m.idleWG.Add(1)
		go func() {
			defer m.idleWG.Done()
			m.cfg.OnIdle()
		}()
	}
	return res
}

func invoke(ctx context.Context, op Operation, out *outputBuffer) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return op(ctx, out)
}

func (m *Manager) expire(r *run, timeout time.Duration) {
	m.mu.Lock()
	if m.cur != r {
		m.mu.Unlock()
		return
	}
	r.timedOut = true
	m.mu.Unlock()

	note := timeoutNote(timeout)
	m.log.Warn(note, zap.String("label", r.label))
	if m.cfg.Notes != nil {
		m.cfg.Notes.AddNote("system", note)
	}
	m.stopRun(r)
}

// Stop interrupts the running action and waits for it to return. It is a
// no-op when nothing is running.
func (m *Manager) Stop() {
	m.mu.Lock()
	r := m.cur
	m.mu.Unlock()
	if r != nil {
		m.stopRun(r)
	}
}

func (m *Manager) stopRun(r *run) {
	m.mu.Lock()
	if m.cur != r {
		m.mu.Unlock()
		return
	}
	r.interrupted = true
	r.cancel()
	m.mu.Unlock()
	m.requestInterrupt()

	kill := m.clk.Timer(m.cfg.KillAfter)
	defer kill.Stop()
	poll := m.clk.Ticker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-poll.C:
			m.log.Info("waiting for action to finish", zap.String("label", r.label))
			m.requestInterrupt()
		case <-kill.C:
			reason := fmt.Sprintf("Action %q refused stop after %s. Killing process.", r.label, m.cfg.KillAfter)
			m.cfg.Killer(reason)
			m.mu.Lock()
			if m.cur == r {
				r.abandoned = true
				m.cur = nil
			}
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) requestInterrupt() {
	if m.cfg.Interrupter != nil {
		m.cfg.Interrupter.RequestInterrupt()
	}
}
