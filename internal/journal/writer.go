package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/zstd"
)

const hourLayout = "2006-01-02-15"

// hourFile is one open <prefix>-<hour>.jsonl.zst file.
type hourFile struct {
	hour string
	f    *os.File
}

func openHourFile(path, hour string) (*hourFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &hourFile{hour: hour, f: f}, nil
}

// rotatingWriter appends JSON lines to one compressed file per UTC hour.
// Every line is a complete zstd frame, so a file is readable while it is
// being written and after a crash; at most the frame being written is lost.
type rotatingWriter struct {
	dir    string
	prefix string
	clk    clock.Clock
	enc    *zstd.Encoder

	mu  sync.Mutex
	cur *hourFile
}

func newRotatingWriter(dir, prefix string, clk clock.Clock) *rotatingWriter {
	if clk == nil {
		clk = clock.New()
	}
	// Options are static and valid, so NewWriter cannot fail here.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
	return &rotatingWriter{dir: dir, prefix: prefix, clk: clk, enc: enc}
}

func (w *rotatingWriter) path(hour string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

func (w *rotatingWriter) Write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.clk.Now().UTC().Format(hourLayout)
	if w.cur == nil || w.cur.hour != hour {
		if err := w.closeCurrent(); err != nil {
			return err
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return err
		}
		if w.cur, err = openHourFile(w.path(hour), hour); err != nil {
			return err
		}
	}
	frame := w.enc.EncodeAll(append(line, '\n'), nil)
	_, err = w.cur.f.Write(frame)
	return err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeCurrent()
}

func (w *rotatingWriter) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	err := w.cur.f.Close()
	w.cur = nil
	return err
}
