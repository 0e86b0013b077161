package agent

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/game"
	"voxelcraft.ai/pilot/internal/modes"
	"voxelcraft.ai/pilot/internal/protocol"
	"voxelcraft.ai/pilot/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWorld struct {
	mu       sync.Mutex
	view     game.View
	chats    []string
	moves    [][3]int
	surfaced int
	cleared  int
	looks    int
}

func (w *fakeWorld) View() game.View {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.view
}

func (w *fakeWorld) setView(v game.View) {
	w.mu.Lock()
	w.view = v
	w.mu.Unlock()
}

func (w *fakeWorld) MoveTo(ctx context.Context, pos [3]int, tolerance float64) error {
	w.mu.Lock()
	w.moves = append(w.moves, pos)
	w.mu.Unlock()
	return nil
}

func (w *fakeWorld) MoveAway(ctx context.Context, distance int) error       { return nil }
func (w *fakeWorld) Flee(ctx context.Context, from [3]int, distance int) error { return nil }
func (w *fakeWorld) Attack(ctx context.Context, entityID string) error     { return nil }
func (w *fakeWorld) Gather(ctx context.Context, item game.Entity) error    { return nil }
func (w *fakeWorld) PlaceTorch(ctx context.Context) error                  { return nil }
func (w *fakeWorld) LookAt(pos [3]int) error                               { return nil }
func (w *fakeWorld) RequestInterrupt()                                     {}
func (w *fakeWorld) Status() game.Status                                   { return game.Status{Connected: true, AgentID: "A1"} }

func (w *fakeWorld) Follow(ctx context.Context, agentID string, distance float64) error {
	<-ctx.Done()
	return ctx.Err()
}

func (w *fakeWorld) Surface() error {
	w.mu.Lock()
	w.surfaced++
	w.mu.Unlock()
	return nil
}

func (w *fakeWorld) Look(yaw, pitch int) error {
	w.mu.Lock()
	w.looks++
	w.mu.Unlock()
	return nil
}

func (w *fakeWorld) ClearControls() {
	w.mu.Lock()
	w.cleared++
	w.mu.Unlock()
}

func (w *fakeWorld) Chat(text string) error {
	w.mu.Lock()
	w.chats = append(w.chats, text)
	w.mu.Unlock()
	return nil
}

func (w *fakeWorld) chatLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.chats...)
}

func (w *fakeWorld) counts() (surfaced, cleared int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.surfaced, w.cleared
}

// scripted answers with the queued replies, then with fallback.
type scripted struct {
	mu       sync.Mutex
	replies  []string
	fallback string
	seen     []Prompt
}

func (s *scripted) Respond(ctx context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, p)
	if len(s.replies) == 0 {
		return s.fallback, nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scripted) calls() [][]Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Turn, 0, len(s.seen))
	for _, p := range s.seen {
		out = append(out, p.Turns)
	}
	return out
}

func (s *scripted) prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.seen...)
}

type harness struct {
	a     *Agent
	world *fakeWorld
	resp  *scripted
	exits atomic.Int32
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		world: &fakeWorld{view: game.View{
			Pos:      [3]int{0, 64, 0},
			Entities: []game.Entity{{ID: "A2", Type: protocol.EntityAgent, Pos: [3]int{3, 64, 3}}},
		}},
		resp: &scripted{fallback: "Okay."},
	}
	cfg := Config{
		Name:      "pilot",
		World:     h.world,
		Responder: h.resp,
		Clock:     clock.NewMock(),
		Exit:      func(int) { h.exits.Add(1) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	require.NoError(t, err)
	h.a = a
	t.Cleanup(a.Close)
	return h
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Responder: ResponderFunc(func(context.Context, Prompt) (string, error) { return "", nil })})
	assert.Error(t, err)
	_, err = New(Config{World: &fakeWorld{}})
	assert.Error(t, err)
}

func TestUserCommandRunsDirectly(t *testing.T) {
	h := newHarness(t, nil)

	used, err := h.a.HandleMessage(context.Background(), "A2", `!setMode("cheat", on)`, -1)
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, []string{"*A2 used setMode*", "Mode cheat is now on."}, h.world.chatLog())
	assert.Empty(t, h.resp.calls())

	on, err := h.a.Modes().IsOn(modes.Cheat)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestUnknownUserCommand(t *testing.T) {
	h := newHarness(t, nil)
	used, err := h.a.HandleMessage(context.Background(), "A2", "!fly", -1)
	require.NoError(t, err)
	assert.False(t, used)
	assert.Equal(t, []string{"Command '!fly' does not exist."}, h.world.chatLog())
}

func TestResponderCommandThenConversation(t *testing.T) {
	h := newHarness(t, nil)
	h.resp.replies = []string{"On it! !goToPosition(1, 2, 3, 1) trailing words", "Here I am."}

	used, err := h.a.HandleMessage(context.Background(), "A2", "come to 1 2 3", -1)
	require.NoError(t, err)
	assert.True(t, used)
	assert.Equal(t, []string{"On it! *used goToPosition*", "Here I am."}, h.world.chatLog())
	assert.Equal(t, [][3]int{{1, 2, 3}}, h.world.moves)

	turns := h.a.History().Turns()
	require.Len(t, turns, 4)
	assert.Equal(t, Turn{Role: "user", Content: "A2: come to 1 2 3"}, turns[0])
	assert.Equal(t, Turn{Role: "assistant", Content: "On it! !goToPosition(1, 2, 3, 1)"}, turns[1])
	assert.Equal(t, Turn{Role: "system", Content: "Action output:\nYou have reached at 1, 2, 3.\n"}, turns[2])
	assert.Equal(t, Turn{Role: "assistant", Content: "Here I am."}, turns[3])
}

func TestSelfPromptCannotStopItself(t *testing.T) {
	h := newHarness(t, nil)
	h.resp.replies = []string{"!stopSelfPrompt"}

	used, err := h.a.HandleMessage(context.Background(), "system", "keep going", 1)
	require.NoError(t, err)
	assert.True(t, used)
	turns := h.a.History().Turns()
	assert.Equal(t, "Cannot stopSelfPrompt unless requested by user.", turns[len(turns)-1].Content)
}

func TestBehaviorLogPrecedesMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.a.Modes().Say("Fighting zombie!")

	_, err := h.a.HandleMessage(context.Background(), "A2", "what happened?", -1)
	require.NoError(t, err)

	calls := h.resp.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, Turn{Role: "system", Content: "Recent behaviors log: \nFighting zombie!\n"}, calls[0][0])
	assert.Empty(t, h.a.FlushBehaviorLog())
}

func TestFormatBehaviorLogKeepsTail(t *testing.T) {
	assert.Empty(t, formatBehaviorLog(" \n"))

	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("Picking up item!\n")
	}
	out := formatBehaviorLog(b.String())
	require.True(t, strings.HasPrefix(out, "Recent behaviors log: \n...Picking up item!\n"))
	assert.LessOrEqual(t, len(out), len("Recent behaviors log: \n...")+maxBehaviorLog)
}

func TestFormatBehaviorLogKeepsRunesWhole(t *testing.T) {
	out := formatBehaviorLog(strings.Repeat("€", 300))
	assert.True(t, utf8.ValidString(out))
	assert.True(t, strings.HasPrefix(out, "Recent behaviors log: \n...€"))
}

func TestResponderSeesCommandAndModeDocs(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.a.HandleMessage(context.Background(), "A2", "hi", -1)
	require.NoError(t, err)

	prompts := h.resp.prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, h.a.Catalog().Docs(), prompts[0].Commands)
	assert.Contains(t, prompts[0].Commands, "!goToPosition")
	assert.Contains(t, prompts[0].Modes, "Agent Modes:")
	assert.Contains(t, prompts[0].Modes, "- cheat(OFF)")
	assert.Equal(t, Turn{Role: "user", Content: "A2: hi"}, prompts[0].Turns[len(prompts[0].Turns)-1])
}

func TestUserActionCommandYieldsSelfPromptLoop(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t, func(c *Config) {
		c.Responder = ResponderFunc(func(ctx context.Context, p Prompt) (string, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "thinking", nil
		})
	})

	require.Empty(t, h.a.StartSelfPrompt("build a house"))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("self-prompt loop never asked the responder")
	}

	used, err := h.a.HandleMessage(context.Background(), "A2", "!moveAway(3)", -1)
	require.NoError(t, err)
	assert.True(t, used)
	st := h.a.SelfPrompter().Snapshot()
	assert.True(t, st.LoopRunning)
	assert.True(t, st.Interrupt)

	close(release)
	require.Eventually(t, func() bool { return !h.a.SelfPrompter().Snapshot().LoopRunning }, time.Second, 5*time.Millisecond)
	assert.True(t, h.a.SelfPrompter().On())
}

func TestShutUpEndsResponses(t *testing.T) {
	h := newHarness(t, nil)
	h.a.ShutUp()
	assert.True(t, h.a.Muted())

	used, err := h.a.HandleMessage(context.Background(), "system", "anything", -1)
	require.NoError(t, err)
	assert.False(t, used)
	assert.Empty(t, h.resp.calls())

	h.a.HandleChat("A2", "hello")
	assert.False(t, h.a.Muted())
}

func TestResponderErrorIsReturned(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Responder = ResponderFunc(func(context.Context, Prompt) (string, error) { return "", errors.New("offline") })
	})
	_, err := h.a.HandleMessage(context.Background(), "A2", "hi", -1)
	require.ErrorContains(t, err, "offline")
}

func TestIdleResumesPreemptedAction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var runs atomic.Int32
	follow := func(ctx context.Context, out io.Writer) error {
		runs.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
	go h.a.RunAction(ctx, "action:followPlayer", follow, actions.RunOptions{Resume: true, Timeout: -1})
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	res := h.a.RunAction(ctx, "action:say", func(ctx context.Context, out io.Writer) error {
		_, err := io.WriteString(out, "hi")
		return err
	}, actions.RunOptions{})
	assert.True(t, res.Success)

	// The idle handler clears controls and replays the resumable action.
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, 5*time.Millisecond)
	_, cleared := h.world.counts()
	assert.GreaterOrEqual(t, cleared, 1)
	assert.Equal(t, "action:followPlayer", h.a.Status().Action)
}

func TestStopAllActionsForgetsResume(t *testing.T) {
	h := newHarness(t, nil)
	go h.a.HandleMessage(context.Background(), "A2", `!followPlayer("A2", 2)`, -1)
	require.Eventually(t, func() bool { return h.a.Actions().CurrentLabel() == "action:followPlayer" }, time.Second, 5*time.Millisecond)

	h.a.StopAllActions()
	assert.False(t, h.a.Actions().Executing())
	assert.Empty(t, h.a.Actions().ResumeLabel())
}

func TestRespawnStopsActionAndReportsDeath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	go h.a.RunAction(ctx, "action:followPlayer", func(ctx context.Context, out io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	}, actions.RunOptions{Resume: true, Timeout: -1})
	require.Eventually(t, h.a.Actions().Executing, time.Second, 5*time.Millisecond)

	h.a.HandleRespawn(game.View{Pos: [3]int{7, 12, -4}})

	require.Eventually(t, func() bool { return len(h.resp.calls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.a.Actions().ResumeLabel())
	last := h.resp.calls()[0]
	assert.Contains(t, last[len(last)-1].Content, "You died at position x: 7, y: 12, z: -4.")

	pos, ok, err := h.a.Places().Place(ctx, "last_death_position")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [3]int{7, 12, -4}, pos)
}

func TestUpdateRunsModes(t *testing.T) {
	h := newHarness(t, nil)
	h.world.setView(game.View{Status: []string{protocol.StatusUnderwater}})

	h.a.Update(context.Background(), DefaultTick)
	surfaced, _ := h.world.counts()
	assert.Equal(t, 1, surfaced)
}

func TestCleanKillExits(t *testing.T) {
	h := newHarness(t, nil)
	h.a.cleanKill("Action \"mode:unstuck\" refused stop")
	assert.Equal(t, int32(1), h.exits.Load())
	assert.Contains(t, h.world.chatLog(), "Goodbye world.")
}

func TestModesAndGoalPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.sqlite")
	st, err := store.OpenSQLite(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := newHarness(t, func(c *Config) { c.Store = st })
	require.NoError(t, h.a.SetMode(modes.Hunting, false))
	require.NoError(t, st.SaveGoal(context.Background(), store.Goal{Prompt: "collect 10 wood", Active: true}))

	h2 := newHarness(t, func(c *Config) {
		c.Store = st
		c.RestoreGoal = true
		c.ModeStates = map[string]bool{modes.Cheat: true}
	})
	on, _ := h2.a.Modes().IsOn(modes.Hunting)
	assert.False(t, on)
	on, _ = h2.a.Modes().IsOn(modes.Cheat)
	assert.True(t, on)

	// Answer with a command so the loop settles into its cooldown.
	h2.resp.mu.Lock()
	h2.resp.fallback = "!modes"
	h2.resp.mu.Unlock()
	h2.a.Start(context.Background())
	assert.True(t, h2.a.SelfPrompter().On())
	assert.Equal(t, "collect 10 wood", h2.a.SelfPrompter().Prompt())
	require.Eventually(t, func() bool { return len(h2.resp.calls()) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestHistoryRolesAndBound(t *testing.T) {
	hist := NewHistory("pilot", 2)
	hist.Add("system", "a")
	hist.Add("pilot", "b")
	hist.Add("A2", "c")
	assert.Equal(t, []Turn{{Role: "assistant", Content: "b"}, {Role: "user", Content: "A2: c"}}, hist.Turns())
}
