package game

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/protocol"
)

type Config struct {
	WorldWSURL  string
	AgentName   string
	ResumeToken string

	Logger *zap.Logger
	Clock  clock.Clock

	// OnUpdate is called after every WELCOME.
	OnUpdate func(Update)
	// OnChat is called for CHAT events from other agents.
	OnChat func(from, text string)
	// OnRespawn is called when the agent died and respawned.
	OnRespawn func(died View)
}

type Update struct {
	ResumeToken     string
	AgentID         string
	LastConnectedAt time.Time
}

type Status struct {
	Connected   bool   `json:"connected"`
	AgentID     string `json:"agent_id,omitempty"`
	WorldWSURL  string `json:"world_ws_url"`
	WorldID     string `json:"world_id,omitempty"`
	LastObsTick uint64 `json:"last_obs_tick"`
	LastError   string `json:"last_error,omitempty"`
	Pending     int    `json:"pending_tasks"`
}

// Client keeps one websocket session to the world alive and turns OBS
// frames into a View. It reconnects with backoff until Close.
type Client struct {
	cfg Config
	log *zap.Logger
	clk clock.Clock

	mu sync.RWMutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	connected bool
	lastErr   string

	conn    *websocket.Conn
	writeMu sync.Mutex

	agentID     string
	resumeToken string
	welcome     protocol.WelcomeMsg

	view      View
	obsNotify chan struct{}

	tasks *taskTable
	seq   uint64
}

func NewClient(cfg Config) *Client {
	if cfg.AgentName == "" {
		cfg.AgentName = "pilot"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Client{
		cfg:         cfg,
		log:         cfg.Logger.Named("game"),
		clk:         cfg.Clock,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		resumeToken: cfg.ResumeToken,
		obsNotify:   make(chan struct{}, 1),
		tasks:       newTaskTable(),
	}
}

func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Run starts the client and blocks until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	c.Start()
	select {
	case <-ctx.Done():
	case <-c.done:
	}
	c.Close()
	return nil
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		// Wake up a blocking ReadMessage.
		c.Disconnect()
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
		c.tasks.failAll(ErrNotConnected)
	})
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	worldID := c.view.WorldID
	if worldID == "" {
		worldID = c.welcome.CurrentWorldID
	}
	return Status{
		Connected:   c.connected,
		AgentID:     c.agentID,
		WorldWSURL:  c.cfg.WorldWSURL,
		WorldID:     worldID,
		LastObsTick: c.view.Tick,
		LastError:   c.lastErr,
		Pending:     c.tasks.len(),
	}
}

// View returns the latest observation.
func (c *Client) View() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.clone()
}

// WaitForObs blocks until an OBS newer than tick arrives.
func (c *Client) WaitForObs(ctx context.Context, after uint64) (View, error) {
	for {
		v := c.View()
		if v.Tick > after {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return View{}, ctx.Err()
		case <-c.stop:
			return View{}, ErrNotConnected
		case <-c.obsNotify:
		}
	}
}

func (c *Client) run() {
	defer close(c.done)

	backoff := 200 * time.Millisecond
	for {
		select {
		case <-c.stop:
			c.Disconnect()
			return
		default:
		}

		if err := c.connectAndReadLoop(); err != nil {
			c.mu.Lock()
			c.connected = false
			c.lastErr = err.Error()
			c.mu.Unlock()
			c.tasks.failAll(ErrNotConnected)
			c.log.Warn("world connection lost", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-c.stop:
				c.Disconnect()
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
				if backoff > 5*time.Second {
					backoff = 5 * time.Second
				}
			}
			continue
		}
		return
	}
}

func (c *Client) connectAndReadLoop() error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(c.cfg.WorldWSURL, http.Header{})
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:              protocol.TypeHello,
		ProtocolVersion:   protocol.Version,
		SupportedVersions: []string{protocol.Version},
		AgentName:         c.cfg.AgentName,
		Capabilities:      protocol.HelloCapabilities{MaxQueue: 16},
	}
	c.mu.RLock()
	rt := strings.TrimSpace(c.resumeToken)
	c.mu.RUnlock()
	if rt != "" {
		hello.Auth = &protocol.HelloAuth{Token: rt}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.lastErr = ""
	c.mu.Unlock()

	for {
		select {
		case <-c.stop:
			_ = conn.Close()
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			select {
			case <-c.stop:
				return nil
			default:
			}
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			if !protocol.IsSupportedVersion(w.ProtocolVersion) {
				c.log.Warn("unsupported protocol version", zap.String("version", w.ProtocolVersion))
				continue
			}
			now := c.clk.Now()
			c.mu.Lock()
			c.welcome = w
			c.agentID = w.AgentID
			c.resumeToken = w.ResumeToken
			c.connected = true
			c.mu.Unlock()
			c.log.Info("joined world", zap.String("agent_id", w.AgentID), zap.String("world_id", w.CurrentWorldID))
			if c.cfg.OnUpdate != nil {
				c.cfg.OnUpdate(Update{ResumeToken: w.ResumeToken, AgentID: w.AgentID, LastConnectedAt: now})
			}

		case protocol.TypeObs:
			var o protocol.ObsMsg
			if err := json.Unmarshal(msg, &o); err != nil {
				c.log.Debug("bad obs", zap.Error(err))
				continue
			}
			c.handleObs(o)
		}
	}
}

func (c *Client) handleObs(o protocol.ObsMsg) {
	now := c.clk.Now()

	c.mu.Lock()
	prev := c.view
	next := viewFromObs(o)
	next.LastDamageAt = prev.LastDamageAt
	next.LastDamage = prev.LastDamage
	if o.AgentID != "" {
		c.agentID = o.AgentID
	}
	var chats []protocol.Event
	respawned := false
	for _, ev := range o.Events {
		switch ev.Type() {
		case protocol.EventDamage:
			next.LastDamageAt = now
			next.LastDamage = ev.Amount()
		case protocol.EventChat:
			chats = append(chats, ev)
		case protocol.EventRespawn:
			respawned = true
		}
	}
	c.view = next
	c.mu.Unlock()

	for _, ev := range o.Events {
		switch ev.Type() {
		case protocol.EventActionResult:
			c.tasks.onActionResult(ev)
		case protocol.EventTaskDone:
			c.tasks.settle(ev.TaskID(), nil)
		case protocol.EventTaskFail:
			if !protocol.IsKnownCode(ev.Code()) {
				c.log.Warn("unknown task failure code", zap.String("code", ev.Code()), zap.String("task_id", ev.TaskID()))
			}
			c.tasks.settle(ev.TaskID(), &TaskError{Code: ev.Code(), Message: ev.Message()})
		}
	}

	select {
	case c.obsNotify <- struct{}{}:
	default:
	}

	if respawned && c.cfg.OnRespawn != nil {
		c.cfg.OnRespawn(prev)
	}
	if c.cfg.OnChat != nil {
		for _, ev := range chats {
			if ev.From() == "" || ev.From() == next.AgentID {
				continue
			}
			c.cfg.OnChat(ev.From(), ev.Text())
		}
	}
}
