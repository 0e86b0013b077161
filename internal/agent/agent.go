package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/commands"
	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/journal"
	"voxelcraft.ai/pilot/internal/modes"
	"voxelcraft.ai/pilot/internal/selfprompt"
	"voxelcraft.ai/pilot/internal/store"
)

const DefaultTick = 300 * time.Millisecond

// World is the game client as the agent drives it. *game.Client
// implements it.
type World interface {
	modes.Body
	Follow(ctx context.Context, agentID string, distance float64) error
	RequestInterrupt()
	Status() game.Status
}

// CodeGen reports whether code generation is in flight.
type CodeGen interface {
	Generating() bool
}

type Config struct {
	Name   string
	Logger *zap.Logger
	Clock  clock.Clock

	World     World
	Responder Responder
	CodeGen   CodeGen
	Store     *store.Store
	Journal   *journal.Journal

	Tick time.Duration
	// MaxResponses caps responder calls per message; -1 is unlimited.
	MaxResponses int
	MaxTurns     int
	Narrate      bool
	// RestoreGoal restarts a saved self-prompt goal on Start.
	RestoreGoal bool
	InitMessage string

	Actions    actions.Config
	SelfPrompt selfprompt.Config
	Tuning     modes.Tuning
	ModeStates map[string]bool

	// Exit ends the process after a clean kill. Defaults to os.Exit.
	Exit func(code int)
}

// Agent wires the action slot, the mode scheduler and the self-prompt
// supervisor around one world connection and drives them every tick.
type Agent struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock

	world   World
	slot    *actions.Manager
	modes   *modes.Controller
	sp      *selfprompt.Supervisor
	catalog *commands.Catalog
	history *History
	places  commands.Places

	shutUp atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func New(cfg Config) (*Agent, error) {
	if cfg.World == nil {
		return nil, fmt.Errorf("agent: world is required")
	}
	if cfg.Responder == nil {
		return nil, fmt.Errorf("agent: responder is required")
	}
	if cfg.Name == "" {
		cfg.Name = "pilot"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxResponses == 0 {
		cfg.MaxResponses = -1
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:     cfg,
		log:     cfg.Logger.Named("agent"),
		clk:     cfg.Clock,
		world:   cfg.World,
		catalog: commands.NewCatalog(),
		history: NewHistory(cfg.Name, cfg.MaxTurns),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.Store != nil {
		a.places = cfg.Store
	} else {
		a.places = newMemoryPlaces()
	}

	ac := cfg.Actions
	ac.Logger = cfg.Logger
	ac.Clock = cfg.Clock
	ac.Interrupter = cfg.World
	ac.Notes = a.history
	ac.Recorder = a.recorder()
	ac.Killer = a.cleanKill
	ac.Generating = a.generating
	ac.SelfPrompting = func() bool { return a.sp.On() }
	ac.OnIdle = a.onIdle
	a.slot = actions.NewManager(ac)

	sc := cfg.SelfPrompt
	sc.Logger = cfg.Logger
	sc.Clock = cfg.Clock
	sc.Messenger = a
	sc.Actions = a.slot
	sc.Chat = a.Chat
	sc.Idle = a.IsIdle
	sc.OnChange = a.saveGoal
	a.sp = selfprompt.New(sc)

	a.modes = modes.New(modes.Config{
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Slot:     a.slot,
		Body:     cfg.World,
		Prompter: a.sp,
		Idle:     a.IsIdle,
		Muted:    a.shutUp.Load,
		Narrate:  cfg.Narrate,
		OnSay:    a.journalBehavior,
		Killer:   a.cleanKill,
		Tuning:   cfg.Tuning,
	})
	a.loadModes()
	return a, nil
}

type recorders []actions.Recorder

func (rs recorders) RecordAction(r actions.Record) {
	for _, rec := range rs {
		rec.RecordAction(r)
	}
}

func (a *Agent) recorder() actions.Recorder {
	var rs recorders
	if a.cfg.Store != nil {
		rs = append(rs, a.cfg.Store)
	}
	if a.cfg.Journal != nil {
		rs = append(rs, a.cfg.Journal)
	}
	if len(rs) == 0 {
		return nil
	}
	return rs
}

func (a *Agent) generating() bool {
	return a.cfg.CodeGen != nil && a.cfg.CodeGen.Generating()
}

// loadModes applies saved switches, then the profile's, so the profile
// wins where both name a mode.
func (a *Agent) loadModes() {
	if a.cfg.Store != nil {
		saved, err := a.cfg.Store.Modes(a.ctx)
		if err != nil {
			a.log.Warn("load saved modes", zap.Error(err))
		} else if err := a.modes.Load(saved); err != nil {
			a.log.Warn("saved modes", zap.Error(err))
		}
	}
	if err := a.modes.Load(a.cfg.ModeStates); err != nil {
		a.log.Warn("profile modes", zap.Error(err))
	}
}

func (a *Agent) saveModes() {
	if a.cfg.Store == nil {
		return
	}
	if err := a.cfg.Store.SaveModes(a.ctx, a.modes.States()); err != nil {
		a.log.Warn("save modes", zap.Error(err))
	}
}

func (a *Agent) saveGoal(st selfprompt.State) {
	if a.cfg.Journal != nil {
		text := "stopped"
		if st.Active {
			text = "started: " + st.Prompt
		}
		a.cfg.Journal.Event(journal.KindSelfPrompt, text)
	}
	if a.cfg.Store == nil {
		return
	}
	if err := a.cfg.Store.SaveGoal(context.Background(), store.Goal{Prompt: st.Prompt, Active: st.Active}); err != nil {
		a.log.Warn("save goal", zap.Error(err))
	}
}

func (a *Agent) journalBehavior(msg string) {
	if a.cfg.Journal != nil {
		a.cfg.Journal.Behavior(msg)
	}
}

// Start runs the startup conditions: a saved goal is resumed, otherwise
// the init message is handled, otherwise the agent greets the world.
func (a *Agent) Start(ctx context.Context) {
	if a.cfg.RestoreGoal && a.cfg.Store != nil {
		g, err := a.cfg.Store.Goal(ctx)
		if err != nil {
			a.log.Warn("load goal", zap.Error(err))
		} else if g.Active {
			a.history.Add("system", g.Prompt)
			a.sp.Start(g.Prompt)
			return
		}
	}
	if a.cfg.InitMessage != "" {
		a.goTracked(func() {
			if _, err := a.HandleMessage(a.ctx, "system", a.cfg.InitMessage, 2); err != nil {
				a.log.Warn("init message", zap.Error(err))
			}
		})
		return
	}
	a.Chat("Hello world! I am " + a.cfg.Name)
}

// Run drives the modes and the self-prompt supervisor every tick until
// ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.Start(ctx)
	a.emitIdle()

	ticker := a.clk.Ticker(a.cfg.Tick)
	defer ticker.Stop()
	last := a.clk.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.ctx.Done():
			return nil
		case <-ticker.C:
			now := a.clk.Now()
			a.Update(ctx, now.Sub(last))
			last = now
		}
	}
}

// Update runs one tick: modes first, then the self-prompt restart timer.
func (a *Agent) Update(ctx context.Context, delta time.Duration) {
	a.modes.Update(ctx)
	a.sp.Update(delta)
}

// Close stops everything the agent started and waits for it.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.cancel()
		a.sp.Close()
		a.slot.Stop()
		a.modes.Wait()
		a.wg.Wait()
		a.slot.Wait()
		a.saveModes()
	})
}

func (a *Agent) goTracked(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *Agent) IsIdle() bool {
	return !a.slot.Executing() && !a.generating()
}

// onIdle runs when an action finishes without interruption.
func (a *Agent) onIdle() {
	a.world.ClearControls()
	a.modes.UnpauseAll()
	a.slot.Resume(a.ctx, 0)
}

func (a *Agent) emitIdle() {
	a.goTracked(a.onIdle)
}

func (a *Agent) RunAction(ctx context.Context, label string, op actions.Operation, opts actions.RunOptions) actions.Result {
	return a.slot.Run(ctx, label, op, opts)
}

func (a *Agent) ResumeAction(ctx context.Context) actions.Result {
	return a.slot.Resume(ctx, 0)
}

// StopAllActions stops the running action, forgets the resumable one and
// lets the agent settle into idle.
func (a *Agent) StopAllActions() {
	a.slot.Stop()
	a.slot.CancelResume()
	a.emitIdle()
}

func (a *Agent) CancelResume() { a.slot.CancelResume() }

func (a *Agent) Modes() *modes.Controller              { return a.modes }
func (a *Agent) SelfPrompter() *selfprompt.Supervisor { return a.sp }
func (a *Agent) Actions() *actions.Manager            { return a.slot }
func (a *Agent) Body() commands.Body                  { return a.world }
func (a *Agent) Places() commands.Places              { return a.places }
func (a *Agent) History() *History                    { return a.history }
func (a *Agent) Catalog() *commands.Catalog           { return a.catalog }

// SetMode switches a mode and saves the switches.
func (a *Agent) SetMode(name string, on bool) error {
	if err := a.modes.SetOn(name, on); err != nil {
		return err
	}
	a.saveModes()
	return nil
}

func (a *Agent) ModeDocs() string { return a.modes.Docs() }

// StartSelfPrompt activates the goal loop; a non-empty result explains a
// refusal.
func (a *Agent) StartSelfPrompt(goal string) string { return a.sp.Start(goal) }

// StopSelfPrompt drops the goal and stops the running action.
func (a *Agent) StopSelfPrompt(ctx context.Context) error { return a.sp.Stop(ctx, true) }

// ShutUp ends the response loop and drops the self-prompt goal without
// stopping the running action.
func (a *Agent) ShutUp() {
	a.shutUp.Store(true)
	if a.sp.On() {
		// The self-prompt loop may be the caller; do not wait for it here.
		a.goTracked(func() {
			if err := a.sp.Stop(a.ctx, false); err != nil {
				a.log.Debug("stop self-prompt", zap.Error(err))
			}
		})
	}
}

func (a *Agent) Muted() bool { return a.shutUp.Load() }

// Chat says text in the world on one line.
func (a *Agent) Chat(text string) {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if text == "" {
		return
	}
	if err := a.world.Chat(text); err != nil {
		a.log.Debug("chat", zap.Error(err))
	}
}

// HandleChat handles a chat line from another agent on its own goroutine.
func (a *Agent) HandleChat(from, text string) {
	if from == a.cfg.Name {
		return
	}
	a.shutUp.Store(false)
	a.goTracked(func() {
		if _, err := a.HandleMessage(a.ctx, from, text, a.cfg.MaxResponses); err != nil {
			a.log.Warn("handle chat", zap.String("from", from), zap.Error(err))
		}
	})
}

// HandleRespawn stops what the agent was doing when it died and tells the
// conversation where that happened.
func (a *Agent) HandleRespawn(died game.View) {
	a.goTracked(func() {
		a.slot.CancelResume()
		a.slot.Stop()

		pos := died.Pos
		if a.cfg.Store != nil {
			if err := a.cfg.Store.RememberDeath(a.ctx, pos); err != nil {
				a.log.Warn("remember death", zap.Error(err))
			}
		} else {
			_ = a.places.RememberPlace(a.ctx, "last_death_position", pos)
		}
		msg := fmt.Sprintf("You died at position x: %d, y: %d, z: %d. Your place of death is saved as 'last_death_position' if you want to return. Previous actions were stopped and you have respawned.",
			pos[0], pos[1], pos[2])
		a.log.Info("agent died", zap.Ints("pos", pos[:]))
		if a.cfg.Journal != nil {
			a.cfg.Journal.Event(journal.KindDeath, msg)
		}
		if _, err := a.HandleMessage(a.ctx, "system", msg, a.cfg.MaxResponses); err != nil {
			a.log.Warn("handle death", zap.Error(err))
		}
	})
}

// cleanKill is the last resort when an action refuses to stop.
func (a *Agent) cleanKill(reason string) {
	a.log.Error("killing agent process", zap.String("reason", reason))
	a.history.Add("system", reason)
	a.Chat("Goodbye world.")
	if a.cfg.Journal != nil {
		a.cfg.Journal.Event(journal.KindNote, reason)
		_ = a.cfg.Journal.Close()
	}
	a.cfg.Exit(1)
}

type Status struct {
	Name         string            `json:"name"`
	Idle         bool              `json:"idle"`
	Action       string            `json:"action,omitempty"`
	ResumeAction string            `json:"resume_action,omitempty"`
	ActiveMode   string            `json:"active_mode,omitempty"`
	Muted        bool              `json:"muted"`
	Modes        []modes.ModeState `json:"modes"`
	SelfPrompt   selfprompt.State  `json:"self_prompt"`
	World        game.Status       `json:"world"`
}

func (a *Agent) Status() Status {
	return Status{
		Name:         a.cfg.Name,
		Idle:         a.IsIdle(),
		Action:       a.slot.CurrentLabel(),
		ResumeAction: a.slot.ResumeLabel(),
		ActiveMode:   a.modes.Active(),
		Muted:        a.Muted(),
		Modes:        a.modes.Snapshot(),
		SelfPrompt:   a.sp.Snapshot(),
		World:        a.world.Status(),
	}
}

type memoryPlaces struct {
	mu     sync.Mutex
	places map[string][3]int
}

func newMemoryPlaces() *memoryPlaces { return &memoryPlaces{places: map[string][3]int{}} }

func (m *memoryPlaces) RememberPlace(_ context.Context, name string, pos [3]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places[name] = pos
	return nil
}

func (m *memoryPlaces) Place(_ context.Context, name string) ([3]int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.places[name]
	return p, ok, nil
}

func (m *memoryPlaces) PlaceNames(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.places))
	for n := range m.places {
		out = append(out, n)
	}
	return out, nil
}
