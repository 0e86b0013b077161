package game

import (
	"math"
	"time"

	"voxelcraft.ai/pilot/internal/protocol"
)

// InventorySlots is the number of stacks an agent can carry.
const InventorySlots = 36

type Entity struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Pos   [3]int   `json:"pos"`
	Tags  []string `json:"tags,omitempty"`
	Item  string   `json:"item,omitempty"`
	Count int      `json:"count,omitempty"`
}

func (e Entity) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e Entity) Hostile() bool  { return e.Type == protocol.EntityMob && e.HasTag(protocol.TagHostile) }
func (e Entity) Huntable() bool { return e.Type == protocol.EntityMob && e.HasTag(protocol.TagHuntable) }

// Reachable reports whether the world considers a straight path to the
// entity open.
func (e Entity) Reachable() bool { return !e.HasTag(TagUnreachable) }

// TagUnreachable marks entities the world has no clear path to.
const TagUnreachable = "unreachable"

// View is what the pilot knows about its body and surroundings.
type View struct {
	Tick    uint64 `json:"tick"`
	AgentID string `json:"agent_id,omitempty"`
	WorldID string `json:"world_id,omitempty"`

	Pos     [3]int   `json:"pos"`
	Yaw     int      `json:"yaw"`
	HP      int      `json:"hp"`
	Hunger  int      `json:"hunger"`
	Status  []string `json:"status,omitempty"`
	TimeDay float64  `json:"time_of_day"`

	Inventory []protocol.ItemStack `json:"inventory,omitempty"`
	Entities  []Entity             `json:"entities,omitempty"`

	LastDamageAt time.Time `json:"last_damage_at,omitempty"`
	LastDamage   int       `json:"last_damage,omitempty"`
}

func viewFromObs(o protocol.ObsMsg) View {
	v := View{
		Tick:      o.Tick,
		AgentID:   o.AgentID,
		WorldID:   o.WorldID,
		Pos:       o.Self.Pos,
		Yaw:       o.Self.Yaw,
		HP:        o.Self.HP,
		Hunger:    o.Self.Hunger,
		Status:    append([]string(nil), o.Self.Status...),
		TimeDay:   o.World.TimeOfDay,
		Inventory: append([]protocol.ItemStack(nil), o.Inventory...),
	}
	for _, e := range o.Entities {
		if e.ID == o.AgentID {
			continue
		}
		v.Entities = append(v.Entities, Entity{
			ID: e.ID, Type: e.Type, Pos: e.Pos, Tags: append([]string(nil), e.Tags...), Item: e.Item, Count: e.Count,
		})
	}
	return v
}

func (v View) clone() View {
	out := v
	out.Status = append([]string(nil), v.Status...)
	out.Inventory = append([]protocol.ItemStack(nil), v.Inventory...)
	out.Entities = append([]Entity(nil), v.Entities...)
	return out
}

func (v View) Has(status string) bool {
	for _, s := range v.Status {
		if s == status {
			return true
		}
	}
	return false
}

func (v View) Count(item string) int {
	n := 0
	for _, s := range v.Inventory {
		if s.Item == item {
			n += s.Count
		}
	}
	return n
}

func (v View) FreeSlots() int {
	n := InventorySlots - len(v.Inventory)
	if n < 0 {
		return 0
	}
	return n
}

// Nearest returns the closest entity matching keep within maxDist.
func (v View) Nearest(maxDist float64, keep func(Entity) bool) (Entity, bool) {
	var best Entity
	bestD := math.Inf(1)
	for _, e := range v.Entities {
		if keep != nil && !keep(e) {
			continue
		}
		d := Distance(v.Pos, e.Pos)
		if d <= maxDist && d < bestD {
			best, bestD = e, d
		}
	}
	return best, !math.IsInf(bestD, 1)
}

func Distance(a, b [3]int) float64 {
	dx := float64(a[0] - b[0])
	dy := float64(a[1] - b[1])
	dz := float64(a[2] - b[2])
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
