package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelcraft.ai/pilot/internal/actions"
	"voxelcraft.ai/pilot/internal/modes"
	"voxelcraft.ai/pilot/internal/selfprompt"
)

var ErrInvalidProfile = errors.New("config: invalid profile")

//go:embed profile.schema.json
var profileSchema string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

type Profile struct {
	Name            string `yaml:"name"`
	WorldWSURL      string `yaml:"world_ws_url"`
	ResumeToken     string `yaml:"resume_token"`
	DataDir         string `yaml:"data_dir"`
	TickMS          int    `yaml:"tick_ms"`
	NarrateBehavior bool   `yaml:"narrate_behavior"`

	Actions    Actions         `yaml:"actions"`
	SelfPrompt SelfPrompt      `yaml:"self_prompt"`
	Modes      map[string]bool `yaml:"modes"`
	ModeTuning ModeTuning      `yaml:"mode_tuning"`
	Control    Control         `yaml:"control"`
	Responder  Responder       `yaml:"responder"`
}

type Actions struct {
	DefaultTimeoutMinutes float64 `yaml:"default_timeout_minutes"`
	PollMS                int     `yaml:"poll_ms"`
	KillAfterMS           int     `yaml:"kill_after_ms"`
	MaxOutput             int     `yaml:"max_output"`
}

type SelfPrompt struct {
	CooldownMS   int  `yaml:"cooldown_ms"`
	MaxNoCommand int  `yaml:"max_no_command"`
	RestoreGoal  bool `yaml:"restore_goal"`
}

// ModeTuning mirrors modes.Tuning with durations in seconds.
type ModeTuning struct {
	DamageWindowSeconds  float64 `yaml:"damage_window_seconds"`
	WaterRange           float64 `yaml:"water_range"`
	StuckDistance        float64 `yaml:"stuck_distance"`
	StuckSeconds         float64 `yaml:"stuck_seconds"`
	UnstuckDistance      int     `yaml:"unstuck_distance"`
	UnstuckKillSeconds   float64 `yaml:"unstuck_kill_seconds"`
	CowardiceRange       float64 `yaml:"cowardice_range"`
	FleeDistance         int     `yaml:"flee_distance"`
	DefenseRange         float64 `yaml:"defense_range"`
	HuntRange            float64 `yaml:"hunt_range"`
	ItemRange            float64 `yaml:"item_range"`
	ItemWaitSeconds      float64 `yaml:"item_wait_seconds"`
	TorchRange           float64 `yaml:"torch_range"`
	TorchCooldownSeconds float64 `yaml:"torch_cooldown_seconds"`
	StareRange           float64 `yaml:"stare_range"`
}

type Control struct {
	Listen     string `yaml:"listen"`
	HMACSecret string `yaml:"hmac_secret"`
}

type Responder struct {
	URL          string `yaml:"url"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	// MaxResponses caps model replies per message; -1 is unlimited.
	MaxResponses int    `yaml:"max_responses"`
}

func Defaults() Profile {
	mt := modes.DefaultTuning()
	return Profile{
		Name:            "pilot",
		WorldWSURL:      "ws://localhost:8080/v1/ws",
		DataDir:         "./data",
		TickMS:          300,
		NarrateBehavior: true,
		Actions: Actions{
			DefaultTimeoutMinutes: actions.DefaultTimeout.Minutes(),
			PollMS:                int(actions.DefaultPollInterval / time.Millisecond),
			KillAfterMS:           int(actions.DefaultKillAfter / time.Millisecond),
			MaxOutput:             actions.DefaultMaxOutput,
		},
		SelfPrompt: SelfPrompt{
			CooldownMS:   int(selfprompt.DefaultCooldown / time.Millisecond),
			MaxNoCommand: selfprompt.DefaultMaxNoCommand,
			RestoreGoal:  true,
		},
		ModeTuning: ModeTuning{
			DamageWindowSeconds:  mt.DamageWindow.Seconds(),
			WaterRange:           mt.WaterRange,
			StuckDistance:        mt.StuckDistance,
			StuckSeconds:         mt.StuckAfter.Seconds(),
			UnstuckDistance:      mt.UnstuckDistance,
			UnstuckKillSeconds:   mt.UnstuckKillAfter.Seconds(),
			CowardiceRange:       mt.CowardiceRange,
			FleeDistance:         mt.FleeDistance,
			DefenseRange:         mt.DefenseRange,
			HuntRange:            mt.HuntRange,
			ItemRange:            mt.ItemRange,
			ItemWaitSeconds:      mt.ItemWait.Seconds(),
			TorchRange:           mt.TorchRange,
			TorchCooldownSeconds: mt.TorchCooldown.Seconds(),
			StareRange:           mt.StareRange,
		},
		Control:   Control{Listen: "127.0.0.1:8091"},
		Responder: Responder{TimeoutMS: 60000, MaxResponses: -1},
	}
}

// Load reads a YAML profile. Fields missing from the file keep their
// defaults; the document must satisfy the embedded schema.
func Load(path string) (Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p, err := Parse(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return p, nil
}

func Parse(raw []byte) (Profile, error) {
	var doc interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := validate(doc); err != nil {
		return Profile{}, err
	}
	p := Defaults()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return p, nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("profile.schema.json", profileSchema)
	})
	return schema, schemaErr
}

func validate(doc interface{}) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so the validator sees JSON types.
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return nil
}

func (p Profile) Tick() time.Duration { return time.Duration(p.TickMS) * time.Millisecond }

func (p Profile) DBPath() string { return filepath.Join(p.DataDir, "pilot.sqlite") }

func (p Profile) JournalDir() string { return filepath.Join(p.DataDir, "journal") }

func (p Profile) ActionsConfig() actions.Config {
	return actions.Config{
		DefaultTimeout: time.Duration(p.Actions.DefaultTimeoutMinutes * float64(time.Minute)),
		PollInterval:   time.Duration(p.Actions.PollMS) * time.Millisecond,
		KillAfter:      time.Duration(p.Actions.KillAfterMS) * time.Millisecond,
		MaxOutput:      p.Actions.MaxOutput,
	}
}

func (p Profile) SelfPromptConfig() selfprompt.Config {
	return selfprompt.Config{
		Cooldown:     time.Duration(p.SelfPrompt.CooldownMS) * time.Millisecond,
		MaxNoCommand: p.SelfPrompt.MaxNoCommand,
	}
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func (p Profile) Tuning() modes.Tuning {
	t := p.ModeTuning
	return modes.Tuning{
		DamageWindow:     seconds(t.DamageWindowSeconds),
		WaterRange:       t.WaterRange,
		StuckDistance:    t.StuckDistance,
		StuckAfter:       seconds(t.StuckSeconds),
		UnstuckDistance:  t.UnstuckDistance,
		UnstuckKillAfter: seconds(t.UnstuckKillSeconds),
		CowardiceRange:   t.CowardiceRange,
		FleeDistance:     t.FleeDistance,
		DefenseRange:     t.DefenseRange,
		HuntRange:        t.HuntRange,
		ItemRange:        t.ItemRange,
		ItemWait:         seconds(t.ItemWaitSeconds),
		TorchRange:       t.TorchRange,
		TorchCooldown:    seconds(t.TorchCooldownSeconds),
		StareRange:       t.StareRange,
	}
}
