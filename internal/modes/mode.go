package modes

import (
	"context"
	"time"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/game"
)

// InterruptAll lets a mode preempt any running action.
const InterruptAll = "all"

// Body is the part of the game client modes act through.
type Body interface {
	View() game.View
	MoveTo(ctx context.Context, pos [3]int, tolerance float64) error
	MoveAway(ctx context.Context, distance int) error
	Flee(ctx context.Context, from [3]int, distance int) error
	Attack(ctx context.Context, entityID string) error
	Gather(ctx context.Context, item game.Entity) error
	PlaceTorch(ctx context.Context) error
	Surface() error
	Look(yaw, pitch int) error
	LookAt(pos [3]int) error
	ClearControls()
	Chat(text string) error
}

// Slot runs behaviors exclusively. *actions.Manager implements it.
type Slot interface {
	Run(ctx context.Context, label string, op actions.Operation, opts actions.RunOptions) actions.Result
	CurrentLabel() string
}

// LoopStopper is the self-prompt supervisor as seen by modes.
type LoopStopper interface {
	On() bool
	RequestLoopStop()
}

// Env is what a policy sees when it is evaluated.
type Env struct {
	Body  Body
	View  game.View
	Idle  bool
	Label string
	Now   time.Time
	Modes *Controller
}

// Behavior is work a policy wants to run in the action slot.
type Behavior struct {
	// Say is narrated before the behavior starts.
	Say string
	// Timeout of zero runs without a deadline.
	Timeout time.Duration
	Run     actions.Operation
}

// Policy decides, once per tick, whether its mode should act. Evaluate may
// act on the body directly for instant reactions and return nil.
type Policy interface {
	Evaluate(ctx context.Context, env *Env) *Behavior
}

type PolicyFunc func(ctx context.Context, env *Env) *Behavior

func (f PolicyFunc) Evaluate(ctx context.Context, env *Env) *Behavior { return f(ctx, env) }

type Mode struct {
	Name        string
	Description string
	Interrupts  []string

	policy Policy

	on     bool
	paused bool
	active bool
}

func NewMode(name, description string, interrupts []string, on bool, policy Policy) *Mode {
	return &Mode{Name: name, Description: description, Interrupts: interrupts, on: on, policy: policy}
}

func (m *Mode) interrupts(label string) bool {
	for _, i := range m.Interrupts {
		if i == InterruptAll || (label != "" && i == label) {
			return true
		}
	}
	return false
}
