package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/agent"
)

// Pilot is the running agent as the control surface sees it. *agent.Agent
// implements it.
type Pilot interface {
	Status() agent.Status
	ModeDocs() string
	SetMode(name string, on bool) error
	StopAllActions()
	HandleChat(from, text string)
	BehaviorLog() string
	StartSelfPrompt(goal string) string
	StopSelfPrompt(ctx context.Context) error
}

type Config struct {
	Pilot      Pilot
	HMACSecret string
	Logger     *zap.Logger
}

type Server struct {
	pilot      Pilot
	hmacSecret []byte
	replay     *replayGuard
	log        *zap.Logger
	now        func() time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Pilot == nil {
		return nil, fmt.Errorf("nil pilot")
	}
	s := &Server{
		pilot:  cfg.Pilot,
		replay: newReplayGuard(0),
		log:    cfg.Logger,
		now:    time.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/rpc", s.handleRPC)
	return mux
}

// Serve listens on addr until ctx is done. Without an HMAC secret the
// address must be a loopback one.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if len(s.hmacSecret) == 0 && !IsLoopback(addr) {
		return fmt.Errorf("refusing non-loopback control listen %q without hmac secret", addr)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("control listening", zap.String("addr", addr), zap.Bool("hmac", len(s.hmacSecret) > 0))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil
	}
}

func (s *Server) handleRPC(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad body"))
		return
	}
	_ = r.Body.Close()

	caller := "local"
	if len(s.hmacSecret) > 0 {
		now := s.now()
		vr := verifyHMAC(r, body, s.hmacSecret, now)
		if vr.HTTPStatus != 0 {
			rw.WriteHeader(vr.HTTPStatus)
			_, _ = rw.Write([]byte(vr.Message))
			return
		}
		if !s.replay.allow(vr.ClientID, vr.Nonce, now) {
			rw.WriteHeader(http.StatusUnauthorized)
			_, _ = rw.Write([]byte("replayed nonce"))
			return
		}
		caller = vr.ClientID
	} else if err := requireLoopback(r); err != nil {
		rw.WriteHeader(http.StatusForbidden)
		_, _ = rw.Write([]byte(err.Error()))
		return
	}

	req, err := decodeRequest(body)
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		_, _ = rw.Write([]byte("bad jsonrpc request"))
		return
	}

	resp := s.dispatch(r.Context(), caller, req)
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, caller string, req request) response {
	if req.Method == "list_tools" {
		return result(req.ID, map[string]any{"tools": toolsList()})
	}
	if !isKnownTool(req.Method) {
		return failure(req.ID, codeMethodNotFound, "method not found", map[string]any{"method": req.Method})
	}
	out, code, err := s.callTool(ctx, caller, req.Method, req.Params)
	if err != nil {
		return failure(req.ID, code, err.Error(), nil)
	}
	s.log.Debug("control call", zap.String("caller", caller), zap.String("method", req.Method))
	return result(req.ID, out)
}

var tools = []struct {
	name, description string
	params            map[string]any
}{
	{"pilot.status", "Current action, resume slot, modes and self-prompt state.", nil},
	{"pilot.modes", "Describe every mode and whether it is on.", nil},
	{"pilot.set_mode", "Turn a mode on or off.", map[string]any{
		"name": map[string]any{"type": "string"},
		"on":   map[string]any{"type": "boolean"},
	}},
	{"pilot.stop", "Stop the running action and forget the resumable one.", nil},
	{"pilot.message", "Deliver a chat message to the agent as if another player said it.", map[string]any{
		"from": map[string]any{"type": "string"},
		"text": map[string]any{"type": "string"},
	}},
	{"pilot.self_prompt_start", "Start self-prompting toward a goal.", map[string]any{
		"goal": map[string]any{"type": "string"},
	}},
	{"pilot.self_prompt_stop", "Stop self-prompting and the running action.", nil},
	{"pilot.behavior_log", "Read the pending behavior log without clearing it.", nil},
}

func toolsList() []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		props := t.params
		if props == nil {
			props = map[string]any{}
		}
		out = append(out, map[string]any{
			"name":        t.name,
			"description": t.description,
			"inputSchema": map[string]any{"type": "object", "properties": props, "additionalProperties": false},
		})
	}
	return out
}

func isKnownTool(name string) bool {
	for _, t := range tools {
		if t.name == name {
			return true
		}
	}
	return false
}

func (s *Server) callTool(ctx context.Context, caller, name string, args json.RawMessage) (any, int, error) {
	switch name {
	case "pilot.status":
		return s.pilot.Status(), 0, nil

	case "pilot.modes":
		return map[string]any{"docs": s.pilot.ModeDocs()}, 0, nil

	case "pilot.set_mode":
		var p struct {
			Name string `json:"name"`
			On   *bool  `json:"on"`
		}
		if err := unmarshalArgs(args, &p); err != nil {
			return nil, codeInvalidParams, err
		}
		if p.Name == "" || p.On == nil {
			return nil, codeInvalidParams, fmt.Errorf("name and on are required")
		}
		if err := s.pilot.SetMode(p.Name, *p.On); err != nil {
			return nil, codeToolFailed, err
		}
		return map[string]any{"ok": true}, 0, nil

	case "pilot.stop":
		s.pilot.StopAllActions()
		return map[string]any{"ok": true}, 0, nil

	case "pilot.message":
		var p struct {
			From string `json:"from"`
			Text string `json:"text"`
		}
		if err := unmarshalArgs(args, &p); err != nil {
			return nil, codeInvalidParams, err
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, codeInvalidParams, fmt.Errorf("missing text")
		}
		if p.From == "" {
			p.From = caller
		}
		s.pilot.HandleChat(p.From, p.Text)
		return map[string]any{"ok": true}, 0, nil

	case "pilot.self_prompt_start":
		var p struct {
			Goal string `json:"goal"`
		}
		if err := unmarshalArgs(args, &p); err != nil {
			return nil, codeInvalidParams, err
		}
		if msg := s.pilot.StartSelfPrompt(p.Goal); msg != "" {
			return nil, codeToolFailed, errors.New(msg)
		}
		return map[string]any{"ok": true}, 0, nil

	case "pilot.self_prompt_stop":
		if err := s.pilot.StopSelfPrompt(ctx); err != nil {
			return nil, codeToolFailed, err
		}
		return map[string]any{"ok": true}, 0, nil

	case "pilot.behavior_log":
		return map[string]any{"log": s.pilot.BehaviorLog()}, 0, nil

	default:
		return nil, codeMethodNotFound, fmt.Errorf("unknown tool: %s", name)
	}
}

func unmarshalArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("bad params: %w", err)
	}
	return nil
}
