package selfprompt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultCooldown     = 2 * time.Second
	DefaultMaxNoCommand = 3

	noPromptMessage = "No prompt specified. Ignoring request."
)

// Messenger feeds a message into the agent's conversation pipeline and
// reports whether the response used a command.
type Messenger interface {
	HandleMessage(ctx context.Context, source, text string, maxResponses int) (bool, error)
}

// ActionStopper stops the running action.
type ActionStopper interface {
	Stop()
}

type Config struct {
	Logger *zap.Logger
	Clock  clock.Clock

	Messenger Messenger
	Actions   ActionStopper
	// Chat announces that self-prompting gave up.
	Chat func(text string)
	// Idle reports whether the agent is idle.
	Idle func() bool
	// OnChange is called after the goal is started or dropped.
	OnChange func(State)

	Cooldown     time.Duration
	MaxNoCommand int
}

type State struct {
	Active      bool          `json:"active"`
	LoopRunning bool          `json:"loop_running"`
	Interrupt   bool          `json:"interrupt"`
	Prompt      string        `json:"prompt,omitempty"`
	IdleTime    time.Duration `json:"idle_time"`
	Cooldown    time.Duration `json:"cooldown"`
}

// Supervisor runs the self-prompt loop: while active it keeps asking the
// agent to pursue its goal, and gives up after MaxNoCommand replies in a
// row without a command.
type Supervisor struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	loopDone chan struct{}
	wake     chan struct{}
	woken    bool
	stopping int // Stop calls in flight; no loop starts while > 0

	wg sync.WaitGroup
}

func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.MaxNoCommand <= 0 {
		cfg.MaxNoCommand = DefaultMaxNoCommand
	}
	if cfg.Idle == nil {
		cfg.Idle = func() bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		log:    cfg.Logger.Named("selfprompt"),
		clk:    cfg.Clock,
		ctx:    ctx,
		cancel: cancel,
		state:  State{Cooldown: cfg.Cooldown},
	}
}

// Close ends any running loop and waits for it.
func (s *Supervisor) Close() {
	s.cancel()
	s.RequestLoopStop()
	s.wg.Wait()
}

// Start activates self-prompting toward prompt. It returns a message for
// the caller when the request is ignored.
func (s *Supervisor) Start(prompt string) string {
	if prompt == "" {
		return noPromptMessage
	}
	s.mu.Lock()
	s.state.Active = true
	s.state.Prompt = prompt
	s.mu.Unlock()
	s.log.Info("self-prompting started", zap.String("prompt", prompt))
	s.changed()
	s.initLoop()
	return ""
}

// initLoop starts the loop unless the goal is inactive or being dropped,
// or a loop already runs. All three are checked under the lock that marks
// the loop running, so a restart racing Stop cannot revive the goal.
func (s *Supervisor) initLoop() {
	s.mu.Lock()
	if !s.state.Active || s.stopping > 0 {
		s.mu.Unlock()
		s.log.Debug("self-prompting inactive, not starting loop")
		return
	}
	if s.state.LoopRunning {
		s.mu.Unlock()
		s.log.Warn("self-prompt loop is already active, ignoring request")
		return
	}
	s.state.LoopRunning = true
	done := make(chan struct{})
	s.loopDone = done
	s.wake = make(chan struct{})
	s.woken = false
	wake := s.wake
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.cleanupLoop(done)
		if err := s.runLoop(wake); err != nil {
			s.log.Error("self-prompt loop failed", zap.Error(err))
		}
	}()
}

func (s *Supervisor) runLoop(wake <-chan struct{}) error {
	misses := 0
	for !s.interrupted() {
		used, err := s.cfg.Messenger.HandleMessage(s.ctx, "system", s.message(), -1)
		if err != nil {
			return fmt.Errorf("self-prompt: %w", err)
		}
		if !used {
			misses++
			if misses >= s.cfg.MaxNoCommand {
				s.giveUp()
				return nil
			}
			continue
		}
		misses = 0
		select {
		case <-s.clk.After(s.cfg.Cooldown):
		case <-wake:
		case <-s.ctx.Done():
			return nil
		}
	}
	return nil
}

func (s *Supervisor) giveUp() {
	msg := fmt.Sprintf("Agent did not use command in the last %d auto-prompts. Stopping auto-prompting.", s.cfg.MaxNoCommand)
	s.log.Warn(msg)
	if s.cfg.Chat != nil {
		s.cfg.Chat(msg)
	}
	s.mu.Lock()
	s.state.Active = false
	s.mu.Unlock()
	s.changed()
}

func (s *Supervisor) cleanupLoop(done chan struct{}) {
	s.mu.Lock()
	s.state.LoopRunning = false
	s.state.Interrupt = false
	s.mu.Unlock()
	close(done)
	s.log.Debug("self-prompt loop stopped")
}

func (s *Supervisor) message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("You are self-prompting with the goal: '%s'. Your next response MUST contain a command !withThisSyntax. Respond:", s.state.Prompt)
}

func (s *Supervisor) interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Interrupt || s.ctx.Err() != nil
}

// Update advances the restart timer by delta. A dormant but active goal
// restarts its loop after the agent has been idle for the cooldown.
func (s *Supervisor) Update(delta time.Duration) {
	s.mu.Lock()
	if !s.state.Active || s.state.LoopRunning || s.state.Interrupt {
		s.state.IdleTime = 0
		s.mu.Unlock()
		return
	}
	if s.cfg.Idle() {
		s.state.IdleTime += delta
	} else {
		s.state.IdleTime = 0
	}
	restart := s.state.IdleTime >= s.cfg.Cooldown
	if restart {
		s.state.IdleTime = 0
	}
	s.mu.Unlock()

	if restart {
		s.log.Info("restarting self-prompting")
		s.initLoop()
	}
}

// RequestLoopStop asks the loop to end after its current iteration and
// returns immediately.
func (s *Supervisor) RequestLoopStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.LoopRunning {
		s.state.Interrupt = false
		return
	}
	s.state.Interrupt = true
	if !s.woken {
		s.woken = true
		close(s.wake)
	}
}

// StopLoop ends the loop and waits for it. The goal stays active.
func (s *Supervisor) StopLoop(ctx context.Context) error {
	s.log.Debug("stopping self-prompt loop")
	s.RequestLoopStop()
	return s.waitLoop(ctx)
}

// Stop ends the loop, optionally stops the running action, and drops the goal.
func (s *Supervisor) Stop(ctx context.Context, stopAction bool) error {
	s.mu.Lock()
	s.stopping++
	s.mu.Unlock()
	s.RequestLoopStop()
	if stopAction && s.cfg.Actions != nil {
		s.cfg.Actions.Stop()
	}
	err := s.waitLoop(ctx)
	s.mu.Lock()
	s.stopping--
	s.state.Active = false
	s.mu.Unlock()
	s.changed()
	return err
}

func (s *Supervisor) waitLoop(ctx context.Context) error {
	s.mu.Lock()
	done := s.loopDone
	running := s.state.LoopRunning
	s.mu.Unlock()
	if running && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	if !s.state.LoopRunning {
		s.state.Interrupt = false
	}
	s.mu.Unlock()
	return nil
}

// ShouldInterrupt reports whether a self-prompted conversation turn should
// stop producing responses.
func (s *Supervisor) ShouldInterrupt(isSelfPrompt bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isSelfPrompt && s.state.Active && s.state.Interrupt
}

// HandleUserPromptedCmd yields the loop to an action a user asked for.
func (s *Supervisor) HandleUserPromptedCmd(isSelfPrompt, isAction bool) {
	if !isSelfPrompt && isAction {
		s.RequestLoopStop()
	}
}

func (s *Supervisor) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

func (s *Supervisor) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Prompt
}

func (s *Supervisor) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange(s.Snapshot())
	}
}
