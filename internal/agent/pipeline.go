package agent

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/commands"
)

const maxBehaviorLog = 500

// HandleMessage feeds one message into the conversation and reports
// whether a command was used. User commands run directly; anything else
// goes to the responder up to maxResponses times (-1 is unlimited).
func (a *Agent) HandleMessage(ctx context.Context, source, message string, maxResponses int) (bool, error) {
	if maxResponses < 0 {
		maxResponses = math.MaxInt
	}
	selfPrompt := source == "system" || source == a.cfg.Name

	if !selfPrompt {
		if name, ok := commands.Contains(message); ok {
			return a.handleUserCommand(ctx, source, message, name), nil
		}
	}
	a.log.Debug("received message", zap.String("source", source), zap.String("message", message))

	if log := a.FlushBehaviorLog(); log != "" {
		a.history.Add("system", log)
	}
	a.history.Add(source, message)

	if !selfPrompt && a.sp.On() {
		maxResponses = 1
	}

	used := false
	for i := 0; i < maxResponses; i++ {
		if a.sp.ShouldInterrupt(selfPrompt) || a.shutUp.Load() {
			break
		}
		res, err := a.cfg.Responder.Respond(ctx, a.prompt())
		if err != nil {
			return used, fmt.Errorf("respond: %w", err)
		}
		name, ok := commands.Contains(res)
		if !ok {
			a.history.Add(a.cfg.Name, res)
			a.Chat(res)
			a.log.Debug("conversational response", zap.String("response", res))
			break
		}
		used = true
		a.handleCommandResponse(ctx, res, name, selfPrompt)
	}
	return used, nil
}

func (a *Agent) handleUserCommand(ctx context.Context, source, message, name string) bool {
	if !a.catalog.Exists(name) {
		a.Chat(fmt.Sprintf("Command '%s' does not exist.", name))
		return false
	}
	a.Chat(fmt.Sprintf("*%s used %s*", source, strings.TrimPrefix(name, "!")))
	a.sp.HandleUserPromptedCmd(false, a.catalog.IsAction(name))
	if res := a.catalog.Execute(ctx, a, message); res != "" {
		a.Chat(res)
	}
	a.saveModes()
	return true
}

func (a *Agent) handleCommandResponse(ctx context.Context, res, name string, selfPrompt bool) {
	res = commands.Trunc(res)
	a.history.Add(a.cfg.Name, res)

	if note := a.catalog.Validate(name, selfPrompt); note != "" {
		a.log.Warn("rejected command", zap.String("command", name), zap.String("reason", note))
		a.history.Add("system", note)
		return
	}
	a.sp.HandleUserPromptedCmd(selfPrompt, a.catalog.IsAction(name))

	chat := fmt.Sprintf("*used %s*", strings.TrimPrefix(name, "!"))
	if pre := strings.TrimSpace(res[:strings.Index(res, name)]); pre != "" {
		chat = pre + " " + chat
	}
	a.Chat(chat)

	if out := a.catalog.Execute(ctx, a, res); out != "" {
		a.history.Add("system", out)
	}
	a.saveModes()
}

// prompt bundles the command catalog and mode switches with the
// conversation for the responder.
func (a *Agent) prompt() Prompt {
	return Prompt{
		Commands: a.catalog.Docs(),
		Modes:    a.modes.MiniDocs(),
		Turns:    a.history.Turns(),
	}
}

// FlushBehaviorLog drains the mode narration into a system note. Only the
// most recent part is kept.
func (a *Agent) FlushBehaviorLog() string {
	return formatBehaviorLog(a.modes.FlushBehaviorLog())
}

// BehaviorLog formats the pending narration without draining it.
func (a *Agent) BehaviorLog() string {
	return formatBehaviorLog(a.modes.BehaviorLog())
}

func formatBehaviorLog(log string) string {
	if strings.TrimSpace(log) == "" {
		return ""
	}
	if len(log) > maxBehaviorLog {
		tail := log[len(log)-maxBehaviorLog:]
		for tail != "" && !utf8.RuneStart(tail[0]) {
			tail = tail[1:]
		}
		// Drop the partial first line.
		if i := strings.IndexByte(tail, '\n'); i >= 0 && i < len(tail)-1 {
			tail = tail[i+1:]
		}
		log = "..." + tail
	}
	return "Recent behaviors log: \n" + log
}
