package modes

import (
	"bytes"
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/protocol"
)

func envAt(body *fakeBody, v game.View, now time.Time, idle bool) *Env {
	body.setView(v)
	return &Env{Body: body, View: v, Idle: idle, Now: now, Modes: New(Config{Body: body, Slot: &labelSlot{}})}
}

func TestSelfPreservation(t *testing.T) {
	p := &selfPreservation{t: DefaultTuning()}
	body := &fakeBody{}
	now := time.Unix(1000, 0)
	ctx := context.Background()

	under := game.View{HP: 20, Status: []string{protocol.StatusUnderwater}}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, under, now, false)))
	assert.Nil(t, p.Evaluate(ctx, envAt(body, under, now.Add(300*time.Millisecond), false)))
	assert.Nil(t, p.Evaluate(ctx, envAt(body, under, now.Add(time.Second), false)))
	assert.Equal(t, []string{"surface", "surface"}, body.called())

	b := p.Evaluate(ctx, envAt(body, game.View{HP: 20, Status: []string{protocol.StatusUnderFallingBlock}}, now, false))
	require.NotNil(t, b)
	assert.Empty(t, b.Say)

	water := game.Entity{ID: "w", Type: protocol.EntityWater, Pos: [3]int{0, 0, 12}}
	env := envAt(body, game.View{HP: 20, Status: []string{protocol.StatusInLava}, Entities: []game.Entity{water}}, now, false)
	b = p.Evaluate(ctx, env)
	require.NotNil(t, b)
	assert.Equal(t, "I'm on fire!", b.Say)
	require.NoError(t, b.Run(ctx, &bytes.Buffer{}))
	assert.Contains(t, body.called(), "move_to")
	assert.Equal(t, "Ahhhh that's better!\n", env.Modes.FlushBehaviorLog())

	hurt := game.View{HP: 4, LastDamageAt: now.Add(-time.Second), LastDamage: 2}
	b = p.Evaluate(ctx, envAt(body, hurt, now, false))
	require.NotNil(t, b)
	assert.Equal(t, "I'm dying!", b.Say)

	big := game.View{HP: 6, LastDamageAt: now.Add(-time.Second), LastDamage: 6}
	require.NotNil(t, p.Evaluate(ctx, envAt(body, big, now, false)))

	stale := game.View{HP: 4, LastDamageAt: now.Add(-4 * time.Second), LastDamage: 2}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, stale, now, false)))

	body.calls = nil
	assert.Nil(t, p.Evaluate(ctx, envAt(body, game.View{HP: 20}, now, true)))
	assert.Equal(t, []string{"clear_controls"}, body.called())
}

func TestUnstuck(t *testing.T) {
	mock := clock.NewMock()
	var kills atomic.Int32
	p := &unstuck{t: DefaultTuning(), clk: mock, kill: func(string) { kills.Add(1) }}
	body := &fakeBody{}
	ctx := context.Background()
	v := game.View{Pos: [3]int{5, 0, 5}}

	now := mock.Now()
	for i := 0; i <= 20; i++ {
		assert.Nil(t, p.Evaluate(ctx, envAt(body, v, now.Add(time.Duration(i)*time.Second), false)), "tick %d", i)
	}
	// Moving resets the timer.
	moved := game.View{Pos: [3]int{8, 0, 5}}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, moved, now.Add(21*time.Second), false)))
	for i := 22; i <= 41; i++ {
		assert.Nil(t, p.Evaluate(ctx, envAt(body, moved, now.Add(time.Duration(i)*time.Second), false)))
	}
	b := p.Evaluate(ctx, envAt(body, moved, now.Add(41*time.Second+500*time.Millisecond), false))
	require.NotNil(t, b)
	assert.Equal(t, "I'm stuck!", b.Say)

	// Idle resets the accumulated time.
	assert.Nil(t, p.Evaluate(ctx, envAt(body, moved, now.Add(43*time.Second), true)))
	assert.Zero(t, p.stuck)

	body.hold = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, &bytes.Buffer{}) }()
	require.Eventually(t, func() bool { return len(body.called()) == 1 }, time.Second, 5*time.Millisecond)
	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return kills.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(body.hold)
	require.NoError(t, <-done)
}

func TestCowardiceAndSelfDefense(t *testing.T) {
	body := &fakeBody{}
	ctx := context.Background()
	now := time.Unix(0, 0)
	zombie := game.Entity{ID: "z1", Type: protocol.EntityMob, Pos: [3]int{10, 0, 0}, Tags: []string{"zombie", protocol.TagHostile}}

	c := &cowardice{t: DefaultTuning()}
	d := &selfDefense{t: DefaultTuning()}

	env := envAt(body, game.View{Entities: []game.Entity{zombie}}, now, false)
	b := c.Evaluate(ctx, env)
	require.NotNil(t, b)
	assert.Equal(t, "Aaa! A zombie!", b.Say)
	assert.Nil(t, d.Evaluate(ctx, env), "zombie is outside defense range")

	var out bytes.Buffer
	require.NoError(t, b.Run(ctx, &out))
	assert.Equal(t, "Moved 24 away from enemies.\n", out.String())
	paused := env.Modes.Snapshot()[0]
	assert.True(t, paused.Paused, "fleeing pauses self preservation")

	unreachable := zombie
	unreachable.Tags = append(unreachable.Tags, game.TagUnreachable)
	assert.Nil(t, c.Evaluate(ctx, envAt(body, game.View{Entities: []game.Entity{unreachable}}, now, false)))

	close3 := zombie
	close3.Pos = [3]int{3, 0, 0}
	env = envAt(body, game.View{Entities: []game.Entity{close3}}, now, false)
	b = d.Evaluate(ctx, env)
	require.NotNil(t, b)
	assert.Equal(t, "Fighting zombie!", b.Say)

	body.setView(game.View{})
	out.Reset()
	require.NoError(t, b.Run(ctx, &out))
	assert.Equal(t, "No enemies nearby to defend self from.\n", out.String())
}

func TestHunting(t *testing.T) {
	body := &fakeBody{}
	p := &hunting{t: DefaultTuning()}
	ctx := context.Background()
	env := envAt(body, game.View{Entities: []game.Entity{prey()}}, time.Unix(0, 0), true)
	b := p.Evaluate(ctx, env)
	require.NotNil(t, b)
	var out bytes.Buffer
	require.NoError(t, b.Run(ctx, &out))
	assert.Equal(t, "Successfully killed pig.\n", out.String())
	assert.Equal(t, "Hunting pig!\n", env.Modes.FlushBehaviorLog())

	far := prey()
	far.Pos = [3]int{30, 0, 0}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, game.View{Entities: []game.Entity{far}}, time.Unix(0, 0), true)))
}

func TestItemCollecting_Debounce(t *testing.T) {
	body := &fakeBody{}
	p := &itemCollecting{t: DefaultTuning()}
	ctx := context.Background()
	item := game.Entity{ID: "it1", Type: protocol.EntityItem, Pos: [3]int{2, 0, 0}, Item: "LOG", Count: 4}
	v := game.View{Entities: []game.Entity{item}}
	t0 := time.Unix(100, 0)

	assert.Nil(t, p.Evaluate(ctx, envAt(body, v, t0, true)))
	assert.Nil(t, p.Evaluate(ctx, envAt(body, v, t0.Add(2*time.Second), true)))
	b := p.Evaluate(ctx, envAt(body, v, t0.Add(2100*time.Millisecond), true))
	require.NotNil(t, b)
	assert.Equal(t, "Picking up item!", b.Say)
	var out bytes.Buffer
	require.NoError(t, b.Run(ctx, &out))
	assert.Equal(t, "Picked up 4 log.\n", out.String())

	assert.Nil(t, p.Evaluate(ctx, envAt(body, v, t0.Add(10*time.Second), true)), "same item is not collected twice")

	full := v
	for i := 0; i < game.InventorySlots-1; i++ {
		full.Inventory = append(full.Inventory, protocol.ItemStack{Item: "STONE", Count: 1})
	}
	item2 := item
	item2.ID = "it2"
	full.Entities = []game.Entity{item2}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, full, t0.Add(20*time.Second), true)))
	assert.Nil(t, p.Evaluate(ctx, envAt(body, full, t0.Add(30*time.Second), true)), "no room in inventory")
}

func TestTorchPlacing_Cooldown(t *testing.T) {
	body := &fakeBody{}
	t0 := time.Unix(100, 0)
	p := &torchPlacing{t: DefaultTuning(), lastPlace: t0}
	ctx := context.Background()
	v := game.View{Inventory: []protocol.ItemStack{{Item: protocol.ItemTorch, Count: 2}}}

	assert.Nil(t, p.Evaluate(ctx, envAt(body, v, t0.Add(4*time.Second), true)))
	require.NotNil(t, p.Evaluate(ctx, envAt(body, v, t0.Add(5*time.Second), true)))
	assert.Nil(t, p.Evaluate(ctx, envAt(body, v, t0.Add(6*time.Second), true)))

	lit := v
	lit.Entities = []game.Entity{{ID: "t", Type: protocol.EntityTorch, Pos: [3]int{2, 0, 0}}}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, lit, t0.Add(20*time.Second), true)))

	assert.Nil(t, p.Evaluate(ctx, envAt(body, game.View{}, t0.Add(30*time.Second), true)), "no torches")
}

func TestIdleStaring(t *testing.T) {
	body := &fakeBody{}
	p := &idleStaring{t: DefaultTuning(), rng: rand.New(rand.NewPCG(1, 2))}
	ctx := context.Background()
	t0 := time.Unix(100, 0)
	agent := game.Entity{ID: "A2", Type: protocol.EntityAgent, Pos: [3]int{3, 0, 0}}

	assert.Nil(t, p.Evaluate(ctx, envAt(body, game.View{Entities: []game.Entity{agent}}, t0, true)))
	assert.Equal(t, []string{"look_at"}, body.called())
	assert.True(t, p.staring)
	assert.Equal(t, "A2", p.lastEntity)

	body.calls = nil
	assert.Nil(t, p.Evaluate(ctx, envAt(body, game.View{}, t0.Add(time.Second), true)))
	assert.Empty(t, body.called())
	assert.Empty(t, p.lastEntity)

	hidden := agent
	hidden.Tags = []string{protocol.TagHidden}
	assert.Nil(t, p.Evaluate(ctx, envAt(body, game.View{Entities: []game.Entity{hidden}}, t0.Add(2*time.Second), true)))
	assert.Empty(t, p.lastEntity)
}
