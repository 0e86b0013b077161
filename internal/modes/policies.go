package modes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/protocol"
)

// Mode names.
const (
	SelfPreservation = "self_preservation"
	Unstuck          = "unstuck"
	Cowardice        = "cowardice"
	SelfDefense      = "self_defense"
	Hunting          = "hunting"
	ItemCollecting   = "item_collecting"
	TorchPlacing     = "torch_placing"
	IdleStaring      = "idle_staring"
	Cheat            = "cheat"
)

// FollowPlayerLabel is the action some idle modes may interrupt.
const FollowPlayerLabel = "action:followPlayer"

type Tuning struct {
	DamageWindow     time.Duration `yaml:"damage_window" json:"damage_window"`
	WaterRange       float64       `yaml:"water_range" json:"water_range"`
	StuckDistance    float64       `yaml:"stuck_distance" json:"stuck_distance"`
	StuckAfter       time.Duration `yaml:"stuck_after" json:"stuck_after"`
	UnstuckDistance  int           `yaml:"unstuck_distance" json:"unstuck_distance"`
	UnstuckKillAfter time.Duration `yaml:"unstuck_kill_after" json:"unstuck_kill_after"`
	CowardiceRange   float64       `yaml:"cowardice_range" json:"cowardice_range"`
	FleeDistance     int           `yaml:"flee_distance" json:"flee_distance"`
	DefenseRange     float64       `yaml:"defense_range" json:"defense_range"`
	HuntRange        float64       `yaml:"hunt_range" json:"hunt_range"`
	ItemRange        float64       `yaml:"item_range" json:"item_range"`
	ItemWait         time.Duration `yaml:"item_wait" json:"item_wait"`
	TorchRange       float64       `yaml:"torch_range" json:"torch_range"`
	TorchCooldown    time.Duration `yaml:"torch_cooldown" json:"torch_cooldown"`
	StareRange       float64       `yaml:"stare_range" json:"stare_range"`
}

func DefaultTuning() Tuning {
	return Tuning{
		DamageWindow:     3 * time.Second,
		WaterRange:       20,
		StuckDistance:    2,
		StuckAfter:       20 * time.Second,
		UnstuckDistance:  5,
		UnstuckKillAfter: 10 * time.Second,
		CowardiceRange:   16,
		FleeDistance:     24,
		DefenseRange:     8,
		HuntRange:        8,
		ItemRange:        8,
		ItemWait:         2 * time.Second,
		TorchRange:       6,
		TorchCooldown:    5 * time.Second,
		StareRange:       10,
	}
}

// Defaults returns the standard registry in priority order.
func Defaults(cfg Config, now time.Time) []*Mode {
	t := cfg.Tuning
	return []*Mode{
		NewMode(SelfPreservation, "Respond to drowning, burning, and damage at low health. Interrupts all actions.",
			[]string{InterruptAll}, true, &selfPreservation{t: t}),
		NewMode(Unstuck, "Attempt to get unstuck when in the same place for a while. Interrupts some actions.",
			[]string{InterruptAll}, true, &unstuck{t: t, clk: cfg.Clock, kill: cfg.Killer}),
		NewMode(Cowardice, "Run away from enemies. Interrupts all actions.",
			[]string{InterruptAll}, true, &cowardice{t: t}),
		NewMode(SelfDefense, "Attack nearby enemies. Interrupts all actions.",
			[]string{InterruptAll}, true, &selfDefense{t: t}),
		NewMode(Hunting, "Hunt nearby animals when idle.",
			nil, true, &hunting{t: t}),
		NewMode(ItemCollecting, "Collect nearby items when idle.",
			[]string{FollowPlayerLabel}, true, &itemCollecting{t: t}),
		NewMode(TorchPlacing, "Place torches when idle and there are no torches nearby.",
			[]string{FollowPlayerLabel}, true, &torchPlacing{t: t, lastPlace: now}),
		NewMode(IdleStaring, "Animation to look around at entities when idle.",
			nil, true, &idleStaring{t: t, rng: cfg.Rand}),
		NewMode(Cheat, "Use cheats to instantly place blocks and teleport.",
			nil, false, PolicyFunc(func(context.Context, *Env) *Behavior { return nil })),
	}
}

// Name is a readable label for an entity, taken from its first
// descriptive tag.
func Name(e game.Entity) string {
	for _, t := range e.Tags {
		switch t {
		case protocol.TagHostile, protocol.TagHuntable, protocol.TagBaby, protocol.TagHidden, game.TagUnreachable:
			continue
		}
		return strings.ReplaceAll(t, "_", " ")
	}
	if e.Item != "" {
		return strings.ToLower(e.Item)
	}
	return strings.ToLower(e.Type)
}

type selfPreservation struct {
	t           Tuning
	lastSurface time.Time
}

func (p *selfPreservation) Evaluate(ctx context.Context, env *Env) *Behavior {
	v := env.View
	switch {
	case v.Has(protocol.StatusUnderwater):
		if env.Now.Sub(p.lastSurface) >= time.Second {
			p.lastSurface = env.Now
			_ = env.Body.Surface()
		}
		return nil

	case v.Has(protocol.StatusUnderFallingBlock):
		return &Behavior{Run: func(ctx context.Context, out io.Writer) error {
			return env.Body.MoveAway(ctx, 2)
		}}

	case v.Has(protocol.StatusOnFire) || v.Has(protocol.StatusInLava):
		water, hasWater := v.Nearest(p.t.WaterRange, func(e game.Entity) bool { return e.Type == protocol.EntityWater })
		return &Behavior{Say: "I'm on fire!", Run: func(ctx context.Context, out io.Writer) error {
			if hasWater {
				if err := env.Body.MoveTo(ctx, water.Pos, 0); err != nil {
					return err
				}
				env.Modes.Say("Ahhhh that's better!")
				return nil
			}
			return env.Body.MoveAway(ctx, 5)
		}}

	case lowHealth(v, env.Now, p.t.DamageWindow):
		return &Behavior{Say: "I'm dying!", Run: func(ctx context.Context, out io.Writer) error {
			return env.Body.MoveAway(ctx, 20)
		}}

	case env.Idle:
		env.Body.ClearControls()
	}
	return nil
}

func lowHealth(v game.View, now time.Time, window time.Duration) bool {
	if v.LastDamageAt.IsZero() || now.Sub(v.LastDamageAt) >= window {
		return false
	}
	return v.HP < 5 || v.LastDamage >= v.HP
}

type unstuck struct {
	t    Tuning
	clk  clock.Clock
	kill actions.Killer

	hasPrev bool
	prev    [3]int
	stuck   time.Duration
	last    time.Time
}

func (p *unstuck) Evaluate(ctx context.Context, env *Env) *Behavior {
	if env.Idle {
		p.hasPrev = false
		p.stuck = 0
		return nil
	}
	pos := env.View.Pos
	if p.hasPrev && game.Distance(p.prev, pos) < p.t.StuckDistance {
		p.stuck += env.Now.Sub(p.last)
	} else {
		p.hasPrev, p.prev, p.stuck = true, pos, 0
	}
	p.last = env.Now
	if p.stuck <= p.t.StuckAfter {
		return nil
	}
	p.stuck = 0
	return &Behavior{Say: "I'm stuck!", Run: func(ctx context.Context, out io.Writer) error {
		crash := p.clk.AfterFunc(p.t.UnstuckKillAfter, func() { p.kill("Got stuck and couldn't get unstuck") })
		defer crash.Stop()
		return env.Body.MoveAway(ctx, p.t.UnstuckDistance)
	}}
}

type cowardice struct{ t Tuning }

func (p *cowardice) Evaluate(ctx context.Context, env *Env) *Behavior {
	enemy, ok := env.View.Nearest(p.t.CowardiceRange, game.Entity.Hostile)
	if !ok || !enemy.Reachable() {
		return nil
	}
	dist := p.t.FleeDistance
	return &Behavior{Say: fmt.Sprintf("Aaa! A %s!", Name(enemy)), Run: func(ctx context.Context, out io.Writer) error {
		_ = env.Modes.Pause(SelfPreservation)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, ok := env.Body.View().Nearest(float64(dist), game.Entity.Hostile)
			if !ok {
				break
			}
			if err := env.Body.Flee(ctx, e.Pos, dist); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "Moved %d away from enemies.\n", dist)
		return nil
	}}
}

type selfDefense struct{ t Tuning }

func (p *selfDefense) Evaluate(ctx context.Context, env *Env) *Behavior {
	enemy, ok := env.View.Nearest(p.t.DefenseRange, game.Entity.Hostile)
	if !ok || !enemy.Reachable() {
		return nil
	}
	rng := p.t.DefenseRange
	return &Behavior{Say: fmt.Sprintf("Fighting %s!", Name(enemy)), Run: func(ctx context.Context, out io.Writer) error {
		_ = env.Modes.Pause(SelfDefense)
		_ = env.Modes.Pause(Cowardice)
		attacked := false
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			e, ok := env.Body.View().Nearest(rng, game.Entity.Hostile)
			if !ok {
				break
			}
			attacked = true
			if err := env.Body.Attack(ctx, e.ID); err != nil && !targetGone(err) {
				return err
			}
		}
		if attacked {
			fmt.Fprintln(out, "Successfully defended self.")
		} else {
			fmt.Fprintln(out, "No enemies nearby to defend self from.")
		}
		return nil
	}}
}

func targetGone(err error) bool {
	var te *game.TaskError
	return errors.As(err, &te) && te.Code == protocol.ErrInvalidTarget
}

type hunting struct{ t Tuning }

func (p *hunting) Evaluate(ctx context.Context, env *Env) *Behavior {
	prey, ok := env.View.Nearest(p.t.HuntRange, game.Entity.Huntable)
	if !ok || !prey.Reachable() {
		return nil
	}
	return &Behavior{Run: func(ctx context.Context, out io.Writer) error {
		env.Modes.Say(fmt.Sprintf("Hunting %s!", Name(prey)))
		if err := env.Body.Attack(ctx, prey.ID); err != nil {
			return err
		}
		fmt.Fprintf(out, "Successfully killed %s.\n", Name(prey))
		return nil
	}}
}

type itemCollecting struct {
	t         Tuning
	prevItem  string
	noticedAt time.Time
}

func (p *itemCollecting) Evaluate(ctx context.Context, env *Env) *Behavior {
	v := env.View
	item, ok := v.Nearest(p.t.ItemRange, func(e game.Entity) bool { return e.Type == protocol.EntityItem })
	if !ok || item.ID == p.prevItem || v.FreeSlots() <= 1 || !item.Reachable() {
		p.noticedAt = time.Time{}
		return nil
	}
	if p.noticedAt.IsZero() {
		p.noticedAt = env.Now
	}
	if env.Now.Sub(p.noticedAt) <= p.t.ItemWait {
		return nil
	}
	p.prevItem = item.ID
	p.noticedAt = time.Time{}
	return &Behavior{Say: "Picking up item!", Run: func(ctx context.Context, out io.Writer) error {
		if err := env.Body.Gather(ctx, item); err != nil {
			return err
		}
		fmt.Fprintf(out, "Picked up %d %s.\n", item.Count, strings.ToLower(item.Item))
		return nil
	}}
}

type torchPlacing struct {
	t         Tuning
	lastPlace time.Time
}

func (p *torchPlacing) Evaluate(ctx context.Context, env *Env) *Behavior {
	if !p.shouldPlace(env.View) || env.Now.Sub(p.lastPlace) < p.t.TorchCooldown {
		return nil
	}
	p.lastPlace = env.Now
	return &Behavior{Run: func(ctx context.Context, out io.Writer) error {
		return env.Body.PlaceTorch(ctx)
	}}
}

func (p *torchPlacing) shouldPlace(v game.View) bool {
	if v.Count(protocol.ItemTorch) == 0 {
		return false
	}
	_, near := v.Nearest(p.t.TorchRange, func(e game.Entity) bool { return e.Type == protocol.EntityTorch })
	return !near
}

type idleStaring struct {
	t   Tuning
	rng *rand.Rand

	staring    bool
	lastEntity string
	nextChange time.Time
}

func (p *idleStaring) Evaluate(ctx context.Context, env *Env) *Behavior {
	v := env.View
	e, ok := v.Nearest(p.t.StareRange, nil)
	inView := ok && !e.HasTag(protocol.TagHidden)

	if inView && e.ID != p.lastEntity {
		p.staring = true
		p.lastEntity = e.ID
		p.nextChange = env.Now.Add(4*time.Second + p.jitter(time.Second))
	}
	if inView && p.staring {
		target := e.Pos
		if e.Type == protocol.EntityAgent || !e.HasTag(protocol.TagBaby) {
			target[1]++
		}
		_ = env.Body.LookAt(target)
	}
	if !inView {
		p.lastEntity = ""
	}
	if env.Now.After(p.nextChange) {
		p.staring = p.rng.Float64() < 0.3
		if !p.staring {
			yaw := p.rng.IntN(360)
			pitch := p.rng.IntN(90) - 45
			_ = env.Body.Look(yaw, pitch)
		}
		p.nextChange = env.Now.Add(2*time.Second + p.jitter(10*time.Second))
	}
	return nil
}

func (p *idleStaring) jitter(d time.Duration) time.Duration {
	return time.Duration(p.rng.Int64N(int64(d)))
}
