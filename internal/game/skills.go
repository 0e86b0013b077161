package game

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"voxelcraft.ai/pilot/internal/protocol"
)

// Skills are the body capabilities modes and commands drive. Blocking
// skills return when the world settles the underlying task or ctx is
// cancelled.

func (c *Client) MoveTo(ctx context.Context, pos [3]int, tolerance float64) error {
	return c.RunTask(ctx, protocol.TaskReq{Type: protocol.TaskMoveTo, Target: pos, Tolerance: tolerance})
}

// MoveAway walks distance blocks in a random horizontal direction.
func (c *Client) MoveAway(ctx context.Context, distance int) error {
	angle := rand.Float64() * 2 * math.Pi
	return c.MoveTo(ctx, offset(c.View().Pos, angle, distance), 1)
}

// Flee walks distance blocks directly away from a point.
func (c *Client) Flee(ctx context.Context, from [3]int, distance int) error {
	pos := c.View().Pos
	dx, dz := float64(pos[0]-from[0]), float64(pos[2]-from[2])
	angle := math.Atan2(dz, dx)
	if dx == 0 && dz == 0 {
		angle = rand.Float64() * 2 * math.Pi
	}
	return c.MoveTo(ctx, offset(pos, angle, distance), 1)
}

func (c *Client) Attack(ctx context.Context, entityID string) error {
	return c.RunTask(ctx, protocol.TaskReq{Type: protocol.TaskAttack, TargetID: entityID})
}

// Gather walks onto an item entity and picks it up.
func (c *Client) Gather(ctx context.Context, item Entity) error {
	if err := c.MoveTo(ctx, item.Pos, 1); err != nil {
		return err
	}
	return c.RunTask(ctx, protocol.TaskReq{Type: protocol.TaskGather, TargetID: item.ID})
}

func (c *Client) PlaceTorch(ctx context.Context) error {
	v := c.View()
	if v.Count(protocol.ItemTorch) == 0 {
		return fmt.Errorf("place torch: %w", &TaskError{Code: protocol.ErrNoResource, Message: "no torches"})
	}
	return c.RunTask(ctx, protocol.TaskReq{Type: protocol.TaskPlace, ItemID: protocol.ItemTorch, BlockPos: v.Pos})
}

func (c *Client) Follow(ctx context.Context, agentID string, distance float64) error {
	return c.RunTask(ctx, protocol.TaskReq{Type: protocol.TaskFollow, TargetID: agentID, Distance: distance})
}

// Surface starts swimming up without waiting for it to finish.
func (c *Client) Surface() error {
	pos := c.View().Pos
	return c.StartControl(protocol.TaskReq{Type: protocol.TaskMoveTo, Target: [3]int{pos[0], pos[1] + 3, pos[2]}, Tolerance: 1})
}

// ClearControls cancels tasks started with StartControl.
func (c *Client) ClearControls() {
	ids := c.tasks.serverIDs(true)
	if len(ids) == 0 {
		return
	}
	c.tasks.drop(ids)
	_ = c.send(nil, nil, ids)
}

func (c *Client) Look(yaw, pitch int) error {
	return c.Instant(protocol.InstantReq{Type: protocol.InstantLook, Yaw: yaw, Pitch: pitch})
}

func (c *Client) LookAt(pos [3]int) error {
	self := c.View().Pos
	dx, dy, dz := float64(pos[0]-self[0]), float64(pos[1]-self[1]), float64(pos[2]-self[2])
	yaw := int(math.Round(math.Atan2(-dx, dz) * 180 / math.Pi))
	pitch := int(math.Round(math.Atan2(dy, math.Hypot(dx, dz)) * 180 / math.Pi))
	return c.Look(yaw, pitch)
}

func (c *Client) Chat(text string) error {
	return c.Instant(protocol.InstantReq{Type: protocol.InstantSay, Channel: "LOCAL", Text: text})
}

func offset(pos [3]int, angle float64, distance int) [3]int {
	d := float64(distance)
	return [3]int{
		pos[0] + int(math.Round(math.Cos(angle)*d)),
		pos[1],
		pos[2] + int(math.Round(math.Sin(angle)*d)),
	}
}
