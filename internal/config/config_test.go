package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxelcraft.ai/pilot/internal/modes"
)

func TestParseKeepsDefaultsForMissingFields(t *testing.T) {
	p, err := Parse([]byte(`
name: scout
world_ws_url: wss://world.example/v1/ws
narrate_behavior: false
actions:
  default_timeout_minutes: 2
modes:
  cheat: true
  hunting: false
mode_tuning:
  stuck_seconds: 30
`))
	require.NoError(t, err)

	assert.Equal(t, "scout", p.Name)
	assert.False(t, p.NarrateBehavior)
	assert.Equal(t, 300*time.Millisecond, p.Tick())
	assert.Equal(t, map[string]bool{"cheat": true, "hunting": false}, p.Modes)

	ac := p.ActionsConfig()
	assert.Equal(t, 2*time.Minute, ac.DefaultTimeout)
	assert.Equal(t, 10*time.Second, ac.KillAfter)
	assert.Equal(t, 500, ac.MaxOutput)

	tu := p.Tuning()
	assert.Equal(t, 30*time.Second, tu.StuckAfter)
	assert.Equal(t, modes.DefaultTuning().TorchCooldown, tu.TorchCooldown)
	assert.Equal(t, 24, tu.FleeDistance)

	sp := p.SelfPromptConfig()
	assert.Equal(t, 2*time.Second, sp.Cooldown)
	assert.Equal(t, 3, sp.MaxNoCommand)
}

func TestDefaultsRoundTripTuning(t *testing.T) {
	assert.Equal(t, modes.DefaultTuning(), Defaults().Tuning())
}

func TestEmptyProfileIsDefaults(t *testing.T) {
	p, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), p)
}

func TestParseRejectsInvalidProfiles(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "nmae: typo\n",
		"bad url":        "world_ws_url: http://nope\n",
		"tick too small": "tick_ms: 1\n",
		"mode not bool":  "modes:\n  cheat: sometimes\n",
		"bad yaml":       "name: [unterminated\n",
		"nested unknown": "actions:\n  retries: 3\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidProfile)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pilot.sqlite"), p.DBPath())
	assert.Equal(t, filepath.Join(dir, "journal"), p.JournalDir())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
