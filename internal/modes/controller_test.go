package modes

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeBody struct {
	mu    sync.Mutex
	view  game.View
	calls []string
	chats []string
	// hold makes moving and attacking block until closed or cancelled.
	hold chan struct{}
}

func (b *fakeBody) setView(v game.View) {
	b.mu.Lock()
	b.view = v
	b.mu.Unlock()
}

func (b *fakeBody) record(call string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	return b.hold
}

func (b *fakeBody) wait(ctx context.Context, call string) error {
	hold := b.record(call)
	if hold == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-hold:
		return nil
	}
}

func (b *fakeBody) called() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *fakeBody) View() game.View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

func (b *fakeBody) MoveTo(ctx context.Context, pos [3]int, tol float64) error {
	return b.wait(ctx, "move_to")
}
func (b *fakeBody) MoveAway(ctx context.Context, d int) error { return b.wait(ctx, "move_away") }
func (b *fakeBody) Flee(ctx context.Context, from [3]int, d int) error {
	err := b.wait(ctx, "flee")
	b.mu.Lock()
	b.view.Entities = nil
	b.mu.Unlock()
	return err
}
func (b *fakeBody) Attack(ctx context.Context, id string) error { return b.wait(ctx, "attack:"+id) }
func (b *fakeBody) Gather(ctx context.Context, item game.Entity) error {
	return b.wait(ctx, "gather:"+item.ID)
}
func (b *fakeBody) PlaceTorch(ctx context.Context) error { return b.wait(ctx, "place_torch") }
func (b *fakeBody) Surface() error                       { b.record("surface"); return nil }
func (b *fakeBody) Look(yaw, pitch int) error            { b.record("look"); return nil }
func (b *fakeBody) LookAt(pos [3]int) error              { b.record("look_at"); return nil }
func (b *fakeBody) ClearControls()                       { b.record("clear_controls") }
func (b *fakeBody) Chat(text string) error {
	b.mu.Lock()
	b.chats = append(b.chats, text)
	b.mu.Unlock()
	return nil
}

type recordingSlot struct {
	*actions.Manager
	mu      sync.Mutex
	results map[string][]actions.Result
}

func (s *recordingSlot) Run(ctx context.Context, label string, op actions.Operation, opts actions.RunOptions) actions.Result {
	res := s.Manager.Run(ctx, label, op, opts)
	s.mu.Lock()
	s.results[label] = append(s.results[label], res)
	s.mu.Unlock()
	return res
}

func (s *recordingSlot) resultsFor(label string) []actions.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]actions.Result(nil), s.results[label]...)
}

type fakePrompter struct {
	on    atomic.Bool
	stops atomic.Int32
}

func (p *fakePrompter) On() bool         { return p.on.Load() }
func (p *fakePrompter) RequestLoopStop() { p.stops.Add(1) }

type harness struct {
	body *fakeBody
	slot *recordingSlot
	c    *Controller
}

func newHarness(t *testing.T, names []string, tweak func(*Config)) *harness {
	t.Helper()
	body := &fakeBody{}
	slot := &recordingSlot{
		Manager: actions.NewManager(actions.Config{PollInterval: 5 * time.Millisecond}),
		results: map[string][]actions.Result{},
	}
	cfg := Config{Slot: slot, Body: body, Tuning: DefaultTuning(), Clock: clock.New()}
	cfg.Idle = func() bool { return !slot.Executing() }
	if tweak != nil {
		tweak(&cfg)
	}
	full := New(cfg)
	var picked []*Mode
	for _, n := range names {
		picked = append(picked, full.byName[n])
	}
	c := NewWithModes(cfg, picked)
	t.Cleanup(func() {
		slot.Stop()
		c.Wait()
		slot.Wait()
	})
	return &harness{body: body, slot: slot, c: c}
}

func prey() game.Entity {
	return game.Entity{ID: "pig1", Type: protocol.EntityMob, Pos: [3]int{3, 0, 0}, Tags: []string{"pig", protocol.TagHuntable}}
}

func TestController_FireInterruptsHunting(t *testing.T) {
	h := newHarness(t, []string{SelfPreservation, Hunting}, nil)
	h.body.hold = make(chan struct{})
	ctx := context.Background()

	h.body.setView(game.View{HP: 20, Entities: []game.Entity{prey()}})
	h.c.Update(ctx)
	require.Equal(t, Hunting, h.c.Active())
	require.Eventually(t, func() bool { return h.slot.CurrentLabel() == "mode:hunting" }, time.Second, 5*time.Millisecond)

	h.body.setView(game.View{HP: 20, Status: []string{protocol.StatusOnFire}, Entities: []game.Entity{prey()}})
	h.c.Update(ctx)
	require.Eventually(t, func() bool { return h.c.Active() == SelfPreservation }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.slot.resultsFor("mode:hunting")) == 1 }, time.Second, 5*time.Millisecond)

	hunt := h.slot.resultsFor("mode:hunting")[0]
	assert.True(t, hunt.Interrupted)
	require.Eventually(t, func() bool { return !h.c.Snapshot()[1].Active }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return h.slot.CurrentLabel() == "mode:self_preservation" }, time.Second, 5*time.Millisecond)
	close(h.body.hold)
	require.Eventually(t, func() bool { return h.c.Active() == "" && !h.slot.Executing() }, time.Second, 5*time.Millisecond)
	pres := h.slot.resultsFor("mode:self_preservation")
	require.Len(t, pres, 1)
	assert.True(t, pres[0].Success)
	assert.False(t, pres[0].Interrupted)
	assert.Contains(t, h.c.FlushBehaviorLog(), "I'm on fire!\n")

	// Hunting is evaluated again from scratch once the agent is idle.
	assert.Empty(t, h.slot.ResumeLabel())
	h.body.setView(game.View{HP: 20, Entities: []game.Entity{prey()}})
	h.c.Update(ctx)
	require.Eventually(t, func() bool { return len(h.slot.resultsFor("mode:hunting")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, countCalls(h.body.called(), "attack:pig1"))
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestController_Eligibility(t *testing.T) {
	var evaluated []string
	var mu sync.Mutex
	mark := func(name string, b *Behavior) Policy {
		return PolicyFunc(func(context.Context, *Env) *Behavior {
			mu.Lock()
			evaluated = append(evaluated, name)
			mu.Unlock()
			return b
		})
	}
	reset := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := evaluated
		evaluated = nil
		return out
	}

	body := &fakeBody{}
	busy := "action:dig"
	var idle atomic.Bool
	slot := &labelSlot{}
	cfg := Config{Slot: slot, Body: body, Idle: idle.Load}
	c := NewWithModes(cfg, []*Mode{
		NewMode("always", "", []string{InterruptAll}, true, mark("always", nil)),
		NewMode("follow_only", "", []string{FollowPlayerLabel}, true, mark("follow_only", nil)),
		NewMode("idle_only", "", nil, true, mark("idle_only", nil)),
		NewMode("off", "", []string{InterruptAll}, false, mark("off", nil)),
	})
	ctx := context.Background()

	slot.label = busy
	c.Update(ctx)
	assert.Equal(t, []string{"always"}, reset())

	slot.label = FollowPlayerLabel
	c.Update(ctx)
	assert.Equal(t, []string{"always", "follow_only"}, reset())

	require.NoError(t, c.Pause("always"))
	c.Update(ctx)
	assert.Equal(t, []string{"follow_only"}, reset())

	slot.label = ""
	idle.Store(true)
	c.Update(ctx)
	assert.Equal(t, []string{"always", "follow_only", "idle_only"}, reset(), "idle unpauses everything")
}

type labelSlot struct{ label string }

func (s *labelSlot) Run(ctx context.Context, label string, op actions.Operation, opts actions.RunOptions) actions.Result {
	return actions.Result{Success: true}
}
func (s *labelSlot) CurrentLabel() string { return s.label }

func TestController_ActiveModeBlocksLowerModes(t *testing.T) {
	var lowEvaluated atomic.Int32
	release := make(chan struct{})
	body := &fakeBody{}
	slot := actions.NewManager(actions.Config{PollInterval: 5 * time.Millisecond})
	prompter := &fakePrompter{}
	prompter.on.Store(true)
	c := NewWithModes(Config{Slot: slot, Body: body, Prompter: prompter, Idle: func() bool { return !slot.Executing() }}, []*Mode{
		NewMode("first", "", nil, true, PolicyFunc(func(context.Context, *Env) *Behavior {
			return &Behavior{Say: "busy", Run: func(ctx context.Context, out io.Writer) error {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil
			}}
		})),
		NewMode("second", "", []string{InterruptAll}, true, PolicyFunc(func(context.Context, *Env) *Behavior {
			lowEvaluated.Add(1)
			return nil
		})),
	})
	ctx := context.Background()

	c.Update(ctx)
	assert.Equal(t, "first", c.Active())
	assert.Equal(t, int32(1), prompter.stops.Load())
	c.Update(ctx)
	c.Update(ctx)
	assert.Zero(t, lowEvaluated.Load(), "an active mode owns every tick")

	close(release)
	c.Wait()
	slot.Wait()
	assert.Equal(t, "", c.Active())
}

func TestController_ControlSurface(t *testing.T) {
	body := &fakeBody{}
	muted := atomic.Bool{}
	c := New(Config{Body: body, Narrate: true, Muted: muted.Load, Slot: &labelSlot{}})

	assert.True(t, c.Exists(Hunting))
	assert.False(t, c.Exists("flying"))

	on, err := c.IsOn(Cheat)
	require.NoError(t, err)
	assert.False(t, on)
	require.NoError(t, c.SetOn(Cheat, true))
	on, _ = c.IsOn(Cheat)
	assert.True(t, on)

	err = c.SetOn("flying", true)
	assert.True(t, errors.Is(err, ErrUnknownMode))

	states := c.States()
	assert.Len(t, states, 9)
	assert.True(t, states[Cheat])

	err = c.Load(map[string]bool{Hunting: false, "flying": true})
	require.ErrorIs(t, err, ErrUnknownMode)
	on, _ = c.IsOn(Hunting)
	assert.False(t, on)

	mini := c.MiniDocs()
	assert.True(t, strings.HasPrefix(mini, "Agent Modes:\n- self_preservation(ON)\n- unstuck(ON)"))
	assert.Contains(t, mini, "- hunting(OFF)")
	assert.Contains(t, c.Docs(), "- cowardice(ON): Run away from enemies. Interrupts all actions.")

	c.Say("I'm stuck!")
	muted.Store(true)
	c.Say("quiet")
	assert.Equal(t, "I'm stuck!\nquiet\n", c.FlushBehaviorLog())
	assert.Empty(t, c.FlushBehaviorLog())
	assert.Equal(t, []string{"I'm stuck!"}, body.chats)
}
