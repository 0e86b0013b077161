package commands

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/modes"
	"voxelcraft.ai/pilot/internal/protocol"
	"voxelcraft.ai/pilot/internal/selfprompt"
)

// Body is the subset of game skills the commands drive.
type Body interface {
	View() game.View
	MoveTo(ctx context.Context, pos [3]int, tolerance float64) error
	MoveAway(ctx context.Context, distance int) error
	Follow(ctx context.Context, agentID string, distance float64) error
}

// Places remembers named positions.
type Places interface {
	RememberPlace(ctx context.Context, name string, pos [3]int) error
	Place(ctx context.Context, name string) ([3]int, bool, error)
	PlaceNames(ctx context.Context) ([]string, error)
}

// Host is the agent a command acts on.
type Host interface {
	RunAction(ctx context.Context, label string, op actions.Operation, opts actions.RunOptions) actions.Result
	// StopAllActions stops the running action, drops the resume slot and
	// signals idle.
	StopAllActions()
	Modes() *modes.Controller
	SelfPrompter() *selfprompt.Supervisor
	Body() Body
	Places() Places
	ShutUp()
	Chat(text string)
}

type Command struct {
	Name        string
	Description string
	Params      []Param
	// Action commands claim the action slot.
	Action bool
	// UserOnly commands are refused when they come from a self-prompt.
	UserOnly bool

	perform func(ctx context.Context, h Host, args Args) string
}

type Catalog struct {
	list   []*Command
	byName map[string]*Command
}

// NewCatalog returns the built-in command set.
func NewCatalog() *Catalog {
	c := &Catalog{byName: map[string]*Command{}}
	for _, cmd := range builtins() {
		c.list = append(c.list, cmd)
		c.byName[cmd.Name] = cmd
	}
	return c
}

func (c *Catalog) Exists(name string) bool {
	_, ok := c.byName[name]
	return ok
}

func (c *Catalog) IsAction(name string) bool {
	cmd, ok := c.byName[name]
	return ok && cmd.Action
}

// Validate returns a system note when name must not run; empty means ok.
func (c *Catalog) Validate(name string, fromSelfPrompt bool) string {
	cmd, ok := c.byName[name]
	if !ok {
		return fmt.Sprintf("Command %s does not exist.", name)
	}
	if cmd.UserOnly && fromSelfPrompt {
		return fmt.Sprintf("Cannot %s unless requested by user.", strings.TrimPrefix(name, "!"))
	}
	return ""
}

// Execute parses msg and runs the command it contains. The returned text
// is meant for the conversation history and may be empty.
func (c *Catalog) Execute(ctx context.Context, h Host, msg string) string {
	cmd, args, errMsg := c.parse(msg)
	if errMsg != "" {
		return errMsg
	}
	return cmd.perform(ctx, h, args)
}

// Docs describes every command for the model prompt.
func (c *Catalog) Docs() string {
	var b strings.Builder
	b.WriteString("\n*COMMAND DOCS\n")
	b.WriteString("You can use the following commands to perform actions and get information about the world.\n")
	b.WriteString("Use the commands with the syntax: !commandName or !commandName(\"arg1\", 1.2, ...) if the command takes arguments.\n")
	b.WriteString("Do not use codeblocks. Only use one command in each response, trailing commands and comments will be ignored.\n")
	for _, cmd := range c.list {
		fmt.Fprintf(&b, "%s: %s\n", cmd.Name, cmd.Description)
		if len(cmd.Params) == 0 {
			continue
		}
		b.WriteString("Params:\n")
		for _, p := range cmd.Params {
			fmt.Fprintf(&b, "%s: (%s) %s\n", p.Name, docType(p.Type), p.Description)
		}
	}
	b.WriteString("*\n")
	return b.String()
}

func docType(t ParamType) string {
	switch t {
	case TypeFloat:
		return "number"
	case TypeInt:
		return "integer"
	case TypeBool:
		return "bool"
	default:
		return string(t)
	}
}

// asAction wraps fn so it runs through the action slot under
// "action:<name>". An interrupt that was not a timeout yields no message.
func asAction(name string, resume bool, timeout time.Duration, fn func(ctx context.Context, out io.Writer, h Host, args Args) error) func(context.Context, Host, Args) string {
	label := "action:" + strings.TrimPrefix(name, "!")
	return func(ctx context.Context, h Host, args Args) string {
		op := func(ctx context.Context, out io.Writer) error {
			return fn(ctx, out, h, args)
		}
		res := h.RunAction(ctx, label, op, actions.RunOptions{Timeout: timeout, Resume: resume})
		if res.Interrupted && !res.TimedOut {
			return ""
		}
		return res.Message
	}
}

func roundPos(x, y, z float64) [3]int {
	return [3]int{int(math.Round(x)), int(math.Round(y)), int(math.Round(z))}
}

func findAgent(v game.View, id string) (game.Entity, bool) {
	for _, e := range v.Entities {
		if e.Type == protocol.EntityAgent && e.ID == id {
			return e, true
		}
	}
	return game.Entity{}, false
}

func builtins() []*Command {
	return []*Command{
		{
			Name:        "!stop",
			Description: "Force stop all actions and commands that are currently executing.",
			perform: func(ctx context.Context, h Host, _ Args) string {
				h.StopAllActions()
				msg := "Agent stopped."
				if h.SelfPrompter().On() {
					msg += " Self-prompting still active."
				}
				return msg
			},
		},
		{
			Name:        "!stfu",
			Description: "Stop all chatting and self prompting, but continue current action.",
			perform: func(ctx context.Context, h Host, _ Args) string {
				h.Chat("Shutting up.")
				h.ShutUp()
				return ""
			},
		},
		{
			Name:        "!setMode",
			Description: "Set a mode to on or off. A mode is an automatic behavior that constantly checks and responds to the environment.",
			Params: []Param{
				{Name: "mode_name", Type: TypeString, Description: "The name of the mode to enable."},
				{Name: "on", Type: TypeBool, Description: "Whether to enable or disable the mode."},
			},
			perform: func(ctx context.Context, h Host, args Args) string {
				name, on := args.String(0), args.Bool(1)
				cur, err := h.Modes().IsOn(name)
				if err != nil {
					return fmt.Sprintf("Mode %s does not exist.\n%s", name, h.Modes().Docs())
				}
				state := "off"
				if on {
					state = "on"
				}
				if cur == on {
					return fmt.Sprintf("Mode %s is already %s.", name, state)
				}
				if err := h.Modes().SetOn(name, on); err != nil {
					return err.Error()
				}
				return fmt.Sprintf("Mode %s is now %s.", name, state)
			},
		},
		{
			Name:        "!modes",
			Description: "Get all available modes and their docs and see which are on/off.",
			perform: func(ctx context.Context, h Host, _ Args) string {
				return h.Modes().Docs()
			},
		},
		{
			Name:        "!startSelfPrompt",
			Description: "Self-prompt with a goal: keep acting toward it until it is done or the user says stop.",
			Params: []Param{
				{Name: "goal", Type: TypeString, Description: "The goal to pursue."},
			},
			perform: func(ctx context.Context, h Host, args Args) string {
				return h.SelfPrompter().Start(args.String(0))
			},
		},
		{
			Name:        "!stopSelfPrompt",
			Description: "Stop current self-prompting and the action it is running.",
			UserOnly:    true,
			perform: func(ctx context.Context, h Host, _ Args) string {
				if err := h.SelfPrompter().Stop(ctx, true); err != nil {
					return err.Error()
				}
				return "Self-prompting stopped."
			},
		},
		{
			Name:        "!goToPosition",
			Description: "Go to the given x, y, z location.",
			Action:      true,
			Params: []Param{
				{Name: "x", Type: TypeFloat, Description: "The x coordinate."},
				{Name: "y", Type: TypeFloat, Description: "The y coordinate."},
				{Name: "z", Type: TypeFloat, Description: "The z coordinate."},
				{Name: "closeness", Type: TypeFloat, Description: "How close to get to the location.", Domain: anyFloat()},
			},
			perform: asAction("!goToPosition", false, 0, func(ctx context.Context, out io.Writer, h Host, args Args) error {
				pos := roundPos(args.Float(0), args.Float(1), args.Float(2))
				if err := h.Body().MoveTo(ctx, pos, args.Float(3)); err != nil {
					return err
				}
				fmt.Fprintf(out, "You have reached at %d, %d, %d.\n", pos[0], pos[1], pos[2])
				return nil
			}),
		},
		{
			Name:        "!moveAway",
			Description: "Move away from the current location in any direction by a given distance.",
			Action:      true,
			Params: []Param{
				{Name: "distance", Type: TypeFloat, Description: "The distance to move away.", Domain: anyFloat()},
			},
			perform: asAction("!moveAway", false, 0, func(ctx context.Context, out io.Writer, h Host, args Args) error {
				d := int(math.Round(args.Float(0)))
				if err := h.Body().MoveAway(ctx, d); err != nil {
					return err
				}
				fmt.Fprintf(out, "Moved away from nearest entity to %v.\n", h.Body().View().Pos)
				return nil
			}),
		},
		{
			Name:        "!goToPlayer",
			Description: "Go to the given player.",
			Action:      true,
			Params: []Param{
				{Name: "player_name", Type: TypeString, Description: "The agent id of the player to go to."},
				{Name: "closeness", Type: TypeFloat, Description: "How close to get to the player.", Domain: anyFloat()},
			},
			perform: asAction("!goToPlayer", false, 0, func(ctx context.Context, out io.Writer, h Host, args Args) error {
				id := args.String(0)
				target, ok := findAgent(h.Body().View(), id)
				if !ok {
					fmt.Fprintf(out, "Could not find %s.\n", id)
					return nil
				}
				if err := h.Body().MoveTo(ctx, target.Pos, args.Float(1)); err != nil {
					return err
				}
				fmt.Fprintf(out, "You have reached %s.\n", id)
				return nil
			}),
		},
		{
			Name:        "!followPlayer",
			Description: "Endlessly follow the given player.",
			Action:      true,
			Params: []Param{
				{Name: "player_name", Type: TypeString, Description: "The agent id of the player to follow."},
				{Name: "follow_dist", Type: TypeFloat, Description: "The distance to follow from.", Domain: anyFloat()},
			},
			perform: asAction("!followPlayer", true, -1, func(ctx context.Context, out io.Writer, h Host, args Args) error {
				id := args.String(0)
				if _, ok := findAgent(h.Body().View(), id); !ok {
					// An error clears the resume slot so a missing player is not replayed forever.
					return fmt.Errorf("could not find %s", id)
				}
				fmt.Fprintf(out, "You are now actively following player %s.\n", id)
				return h.Body().Follow(ctx, id, args.Float(1))
			}),
		},
		{
			Name:        "!rememberHere",
			Description: "Save the current location with a given name.",
			Params: []Param{
				{Name: "name", Type: TypeString, Description: "The name to remember the location as."},
			},
			perform: func(ctx context.Context, h Host, args Args) string {
				name := args.String(0)
				pos := h.Body().View().Pos
				if err := h.Places().RememberPlace(ctx, name, pos); err != nil {
					return err.Error()
				}
				return fmt.Sprintf("Location saved as \"%s\".", name)
			},
		},
		{
			Name:        "!goToPlace",
			Description: "Go to a saved location.",
			Action:      true,
			Params: []Param{
				{Name: "name", Type: TypeString, Description: "The name of the location to go to."},
			},
			perform: asAction("!goToPlace", false, 0, func(ctx context.Context, out io.Writer, h Host, args Args) error {
				name := args.String(0)
				pos, ok, err := h.Places().Place(ctx, name)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "No location named \"%s\" saved.\n", name)
					return nil
				}
				if err := h.Body().MoveTo(ctx, pos, 1); err != nil {
					return err
				}
				fmt.Fprintf(out, "You have reached %s.\n", name)
				return nil
			}),
		},
		{
			Name:        "!savedPlaces",
			Description: "List all saved locations.",
			perform: func(ctx context.Context, h Host, _ Args) string {
				names, err := h.Places().PlaceNames(ctx)
				if err != nil {
					return err.Error()
				}
				sort.Strings(names)
				return "Saved place names: " + strings.Join(names, ", ")
			},
		},
	}
}
