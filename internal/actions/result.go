package actions

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Operation is a unit of work that owns the agent's body while it runs.
// ctx is cancelled when the operation is asked to stop; implementations
// must check it between steps. Anything written to out becomes part of
// the action's output summary.
type Operation func(ctx context.Context, out io.Writer) error

// Result is returned by every Run, Resume and RunAction call. Callers must
// look at Interrupted and TimedOut before treating Message as a final report.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Interrupted bool   `json:"interrupted"`
	TimedOut    bool   `json:"timed_out"`
}

// Record describes one finished action.
type Record struct {
	ID        string        `json:"id"`
	Label     string        `json:"label"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Result    Result        `json:"result"`
	Err       string        `json:"err,omitempty"`
}

const (
	summaryHeader = "Action output:\n"
	errorMarker   = "!!Action threw exception!! Error: "
)

func summarize(out string, max int) string {
	r := []rune(out)
	if len(r) <= max {
		return summaryHeader + out
	}
	half := max / 2
	return fmt.Sprintf("Action output is very long (%d chars) and has been shortened.\nFirst outputs:\n%s\n...skipping many lines.\nFinal outputs:\n%s",
		len(r), string(r[:half]), string(r[len(r)-half:]))
}

func timeoutNote(d time.Duration) string {
	return fmt.Sprintf("Code execution timed out after %g minutes. Attempting force stop.", d.Minutes())
}

type outputBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}
