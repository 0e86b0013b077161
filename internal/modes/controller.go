package modes

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/actions"
)

var ErrUnknownMode = errors.New("modes: unknown mode")

type Config struct {
	Logger *zap.Logger
	Clock  clock.Clock
	Rand   *rand.Rand

	Slot     Slot
	Body     Body
	Prompter LoopStopper
	// Idle reports whether the agent is idle.
	Idle func() bool
	// Muted suppresses narration chat.
	Muted   func() bool
	Narrate bool
	// OnSay observes every narrated behavior.
	OnSay func(msg string)

	Killer actions.Killer
	Tuning Tuning
}

// Controller owns the ordered mode registry. Position in the registry is
// priority; at most one mode starts work per Update.
type Controller struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock

	mu     sync.Mutex
	modes  []*Mode
	byName map[string]*Mode
	blog   strings.Builder

	wg sync.WaitGroup
}

// New builds a controller with the default registry.
func New(cfg Config) *Controller {
	c := newController(cfg)
	c.register(Defaults(c.cfg, c.clk.Now()))
	return c
}

// NewWithModes builds a controller over a custom registry.
func NewWithModes(cfg Config, modes []*Mode) *Controller {
	c := newController(cfg)
	c.register(modes)
	return c
}

func newController(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Tuning == (Tuning{}) {
		cfg.Tuning = DefaultTuning()
	}
	if cfg.Idle == nil {
		cfg.Idle = func() bool { return cfg.Slot == nil || cfg.Slot.CurrentLabel() == "" }
	}
	if cfg.Killer == nil {
		cfg.Killer = func(reason string) { cfg.Logger.Fatal(reason) }
	}
	return &Controller{cfg: cfg, log: cfg.Logger.Named("modes"), clk: cfg.Clock, byName: map[string]*Mode{}}
}

func (c *Controller) register(modes []*Mode) {
	c.modes = modes
	for _, m := range modes {
		c.byName[m.Name] = m
	}
}

// Update runs one scheduling pass.
func (c *Controller) Update(ctx context.Context) {
	idle := c.cfg.Idle()
	if idle {
		c.UnpauseAll()
	}
	label := ""
	if c.cfg.Slot != nil {
		label = c.cfg.Slot.CurrentLabel()
	}
	var env *Env

	for _, m := range c.modes {
		c.mu.Lock()
		eligible := m.on && !m.paused && !m.active && (idle || m.interrupts(label))
		c.mu.Unlock()

		if eligible {
			if env == nil {
				env = &Env{Body: c.cfg.Body, View: c.cfg.Body.View(), Idle: idle, Label: label, Now: c.clk.Now(), Modes: c}
			}
			if b := m.policy.Evaluate(ctx, env); b != nil && b.Run != nil {
				c.execute(ctx, m, b)
			}
		}

		c.mu.Lock()
		active := m.active
		c.mu.Unlock()
		if active {
			break
		}
	}
}

func (c *Controller) execute(ctx context.Context, m *Mode, b *Behavior) {
	if p := c.cfg.Prompter; p != nil && p.On() {
		p.RequestLoopStop()
	}
	if b.Say != "" {
		c.Say(b.Say)
	}
	timeout := b.Timeout
	if timeout == 0 {
		timeout = -1
	}

	c.mu.Lock()
	m.active = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.cfg.Slot.Run(ctx, "mode:"+m.Name, b.Run, actions.RunOptions{Timeout: timeout})
		c.mu.Lock()
		m.active = false
		c.mu.Unlock()
		c.log.Debug("mode finished",
			zap.String("mode", m.Name),
			zap.Bool("success", res.Success),
			zap.Bool("interrupted", res.Interrupted),
			zap.String("message", res.Message))
	}()
}

// Wait blocks until every running behavior has returned.
func (c *Controller) Wait() { c.wg.Wait() }

// Say appends msg to the behavior log and narrates it in chat.
func (c *Controller) Say(msg string) {
	c.mu.Lock()
	c.blog.WriteString(msg)
	c.blog.WriteByte('\n')
	c.mu.Unlock()
	if c.cfg.OnSay != nil {
		c.cfg.OnSay(msg)
	}
	if !c.cfg.Narrate || (c.cfg.Muted != nil && c.cfg.Muted()) || c.cfg.Body == nil {
		return
	}
	if err := c.cfg.Body.Chat(msg); err != nil {
		c.log.Debug("narrate", zap.Error(err))
	}
}

// BehaviorLog returns the behavior log without clearing it.
func (c *Controller) BehaviorLog() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blog.String()
}

// FlushBehaviorLog returns the behavior log and clears it.
func (c *Controller) FlushBehaviorLog() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.blog.String()
	c.blog.Reset()
	return s
}

func (c *Controller) lookup(name string) (*Mode, error) {
	m, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, name)
	}
	return m, nil
}

func (c *Controller) Exists(name string) bool {
	_, ok := c.byName[name]
	return ok
}

func (c *Controller) SetOn(name string, on bool) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	m.on = on
	c.mu.Unlock()
	return nil
}

func (c *Controller) IsOn(name string) (bool, error) {
	m, err := c.lookup(name)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.on, nil
}

func (c *Controller) Pause(name string) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	m.paused = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) Unpause(name string) error {
	m, err := c.lookup(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	m.paused = false
	c.mu.Unlock()
	return nil
}

func (c *Controller) UnpauseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modes {
		if m.paused {
			c.log.Debug("unpausing mode", zap.String("mode", m.Name))
		}
		m.paused = false
	}
}

// Active returns the name of the mode owning the slot, if any.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.modes {
		if m.active {
			return m.Name
		}
	}
	return ""
}

// ModeState is a snapshot of one registry entry.
type ModeState struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	On          bool   `json:"on"`
	Paused      bool   `json:"paused"`
	Active      bool   `json:"active"`
}

func (c *Controller) Snapshot() []ModeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ModeState, 0, len(c.modes))
	for _, m := range c.modes {
		out = append(out, ModeState{Name: m.Name, Description: m.Description, On: m.on, Paused: m.paused, Active: m.active})
	}
	return out
}

// States returns the on/off flag of every mode.
func (c *Controller) States() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.modes))
	for _, m := range c.modes {
		out[m.Name] = m.on
	}
	return out
}

// Load applies on/off flags. Unknown names are reported after the known
// ones have been applied.
func (c *Controller) Load(states map[string]bool) error {
	var errs []error
	for name, on := range states {
		if err := c.SetOn(name, on); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) Docs() string {
	return c.docs(true)
}

func (c *Controller) MiniDocs() string {
	return c.docs(false)
}

func (c *Controller) docs(full bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := []string{"Agent Modes:"}
	for _, m := range c.modes {
		state := "OFF"
		if m.on {
			state = "ON"
		}
		line := fmt.Sprintf("- %s(%s)", m.Name, state)
		if full {
			line += ": " + m.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
