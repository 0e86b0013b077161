package protocol

// Instant and task types the pilot sends.
const (
	InstantSay  = "SAY"
	InstantEat  = "EAT"
	InstantLook = "LOOK"

	TaskStop   = "STOP"
	TaskMoveTo = "MOVE_TO"
	TaskFollow = "FOLLOW"
	TaskGather = "GATHER"
	TaskPlace  = "PLACE"
	TaskAttack = "ATTACK"
)

// Self status flags the pilot reacts to. Unknown flags are ignored.
const (
	StatusNone              = "NONE"
	StatusUnderwater        = "UNDERWATER"
	StatusOnFire            = "ON_FIRE"
	StatusInLava            = "IN_LAVA"
	StatusUnderFallingBlock = "UNDER_FALLING_BLOCK"
)

// Entity types and tags.
const (
	EntityAgent = "AGENT"
	EntityItem  = "ITEM"
	EntityMob   = "MOB"
	EntityWater = "WATER"
	EntityTorch = "TORCH"

	TagHostile  = "hostile"
	TagHuntable = "huntable"
	TagBaby     = "baby"
	TagHidden   = "no_stare"
)

// Event types consumed by the pilot.
const (
	EventActionResult = "ACTION_RESULT"
	EventTaskDone     = "TASK_DONE"
	EventTaskFail     = "TASK_FAIL"
	EventDamage       = "DAMAGE"
	EventChat         = "CHAT"
	EventRespawn      = "RESPAWN"
)

const ItemTorch = "TORCH"
