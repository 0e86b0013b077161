package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"voxelcraft.ai/pilot/internal/actions"
)

const Prefix = "journal"

// Entry kinds.
const (
	KindAction     = "action"
	KindBehavior   = "behavior"
	KindSelfPrompt = "self_prompt"
	KindDeath      = "death"
	KindNote       = "note"
)

type Entry struct {
	Time  time.Time `json:"time"`
	Kind  string    `json:"kind"`
	ID    string    `json:"id,omitempty"`
	Label string    `json:"label,omitempty"`

	Success     bool  `json:"success,omitempty"`
	Interrupted bool  `json:"interrupted,omitempty"`
	TimedOut    bool  `json:"timed_out,omitempty"`
	ElapsedMS   int64 `json:"elapsed_ms,omitempty"`

	Text string `json:"text,omitempty"`
	Err  string `json:"err,omitempty"`
}

// Journal records what the pilot did: finished actions, narrated
// behaviors and session events.
type Journal struct {
	w   *rotatingWriter
	clk clock.Clock
	log *zap.Logger
}

func New(dir string, clk clock.Clock, logger *zap.Logger) *Journal {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{w: newRotatingWriter(dir, Prefix, clk), clk: clk, log: logger.Named("journal")}
}

func (j *Journal) Close() error { return j.w.Close() }

func (j *Journal) write(e Entry) {
	if e.Time.IsZero() {
		e.Time = j.clk.Now().UTC()
	}
	if err := j.w.Write(e); err != nil {
		j.log.Warn("journal write failed", zap.String("kind", e.Kind), zap.Error(err))
	}
}

// RecordAction implements actions.Recorder.
func (j *Journal) RecordAction(r actions.Record) {
	j.write(Entry{
		Time:        r.StartedAt.UTC(),
		Kind:        KindAction,
		ID:          r.ID,
		Label:       r.Label,
		Success:     r.Result.Success,
		Interrupted: r.Result.Interrupted,
		TimedOut:    r.Result.TimedOut,
		ElapsedMS:   r.Elapsed.Milliseconds(),
		Text:        r.Result.Message,
		Err:         r.Err,
	})
}

func (j *Journal) Behavior(text string) { j.write(Entry{Kind: KindBehavior, Text: text}) }

func (j *Journal) Event(kind, text string) { j.write(Entry{Kind: kind, Text: text}) }

// ListFiles returns journal files in dir in chronological order.
func ListFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, Prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Join(dir, n))
	}
	return out, nil
}

// ReadFile calls fn for each entry in one journal file. A truncated final
// frame, left by a writer that is still running or crashed mid-write, ends
// the file without an error.
func ReadFile(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var bad error
	for sc.Scan() {
		if bad != nil {
			return bad
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// Only fatal if more lines follow.
			bad = fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	} else if err == nil && bad != nil {
		return bad
	}
	return nil
}

// Read calls fn for every entry in dir, oldest first.
func Read(dir string, fn func(Entry) error) error {
	files, err := ListFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ReadFile(path, fn); err != nil {
			return err
		}
	}
	return nil
}
