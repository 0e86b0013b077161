package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/protocol"
)

var (
	ErrNotConnected = errors.New("game: not connected")
	ErrTaskFailed   = errors.New("game: task failed")
)

// TaskError is returned when the world rejects or fails a task.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	msg := "task failed: " + e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Retryable() {
		msg += " (may succeed if retried later)"
	}
	return msg
}

// Retryable reports whether the same task may succeed later.
func (e *TaskError) Retryable() bool { return protocol.Retryable(e.Code) }

func (e *TaskError) Is(target error) bool { return target == ErrTaskFailed }

type pendingTask struct {
	reqID   string
	taskID  string
	control bool
	done    chan error
}

// taskTable correlates request IDs with server task IDs until a task settles.
type taskTable struct {
	mu     sync.Mutex
	byReq  map[string]*pendingTask
	byTask map[string]*pendingTask
}

func newTaskTable() *taskTable {
	return &taskTable{byReq: map[string]*pendingTask{}, byTask: map[string]*pendingTask{}}
}

func (t *taskTable) add(reqID string, control bool) *pendingTask {
	p := &pendingTask{reqID: reqID, control: control, done: make(chan error, 1)}
	t.mu.Lock()
	t.byReq[reqID] = p
	t.mu.Unlock()
	return p
}

func (t *taskTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byReq)
}

func (t *taskTable) remove(p *pendingTask) {
	t.mu.Lock()
	delete(t.byReq, p.reqID)
	if p.taskID != "" {
		delete(t.byTask, p.taskID)
	}
	t.mu.Unlock()
}

func (t *taskTable) onActionResult(ev protocol.Event) {
	t.mu.Lock()
	p := t.byReq[ev.Ref()]
	if p == nil {
		t.mu.Unlock()
		return
	}
	if !ev.OK() {
		t.mu.Unlock()
		t.finish(p, &TaskError{Code: ev.Code(), Message: ev.Message()})
		return
	}
	if ev.TaskID() == "" {
		t.mu.Unlock()
		t.finish(p, nil)
		return
	}
	p.taskID = ev.TaskID()
	t.byTask[p.taskID] = p
	t.mu.Unlock()
}

func (t *taskTable) settle(taskID string, err error) {
	t.mu.Lock()
	p := t.byTask[taskID]
	t.mu.Unlock()
	if p != nil {
		t.finish(p, err)
	}
}

func (t *taskTable) finish(p *pendingTask, err error) {
	t.remove(p)
	select {
	case p.done <- err:
	default:
	}
}

func (t *taskTable) failAll(err error) {
	t.mu.Lock()
	all := make([]*pendingTask, 0, len(t.byReq))
	for _, p := range t.byReq {
		all = append(all, p)
	}
	t.mu.Unlock()
	for _, p := range all {
		t.finish(p, err)
	}
}

// serverIDs lists accepted tasks. With controlOnly it only lists tasks
// started through StartControl.
func (t *taskTable) serverIDs(controlOnly bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byTask))
	for id, p := range t.byTask {
		if controlOnly && !p.control {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (t *taskTable) drop(ids []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if p := t.byTask[id]; p != nil {
			delete(t.byTask, id)
			delete(t.byReq, p.reqID)
		}
	}
}

func (c *Client) nextID(prefix string) string {
	c.mu.Lock()
	c.seq++
	n := c.seq
	c.mu.Unlock()
	return fmt.Sprintf("%s_%d_%d", prefix, c.clk.Now().UnixMilli(), n)
}

// send writes one ACT frame stamped with the latest observed tick.
func (c *Client) send(instants []protocol.InstantReq, tasks []protocol.TaskReq, cancel []string) error {
	c.mu.RLock()
	tick, agentID := c.view.Tick, c.agentID
	c.mu.RUnlock()

	b, err := json.Marshal(protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		AgentID:         agentID,
		Instants:        instants,
		Tasks:           tasks,
		Cancel:          cancel,
	})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// RunTask submits a task and blocks until the world reports it done or
// failed. Cancelling ctx cancels the task in the world.
func (c *Client) RunTask(ctx context.Context, req protocol.TaskReq) error {
	if req.ID == "" {
		req.ID = c.nextID("K")
	}
	p := c.tasks.add(req.ID, false)
	if err := c.send(nil, []protocol.TaskReq{req}, nil); err != nil {
		c.tasks.remove(p)
		return err
	}
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		c.tasks.mu.Lock()
		taskID := p.taskID
		c.tasks.mu.Unlock()
		c.tasks.remove(p)
		if taskID != "" {
			if err := c.send(nil, nil, []string{taskID}); err != nil {
				c.log.Debug("cancel task", zap.String("task_id", taskID), zap.Error(err))
			}
		}
		return ctx.Err()
	}
}

// StartControl submits a task without waiting for it. Control tasks are
// cancelled by ClearControls.
func (c *Client) StartControl(req protocol.TaskReq) error {
	if req.ID == "" {
		req.ID = c.nextID("K")
	}
	p := c.tasks.add(req.ID, true)
	if err := c.send(nil, []protocol.TaskReq{req}, nil); err != nil {
		c.tasks.remove(p)
		return err
	}
	return nil
}

// Instant sends a single instant action and does not wait for its result.
func (c *Client) Instant(req protocol.InstantReq) error {
	if req.ID == "" {
		req.ID = c.nextID("I")
	}
	return c.send([]protocol.InstantReq{req}, nil, nil)
}

// RequestInterrupt cancels every task the client is tracking. It does not
// wait for the world to confirm.
func (c *Client) RequestInterrupt() {
	ids := c.tasks.serverIDs(false)
	c.tasks.failAll(context.Canceled)
	if len(ids) == 0 {
		return
	}
	if err := c.send(nil, nil, ids); err != nil {
		c.log.Debug("interrupt", zap.Strings("task_ids", ids), zap.Error(err))
	}
}
