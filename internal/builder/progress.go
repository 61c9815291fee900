package builder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danieljhkim/deltaruntime/internal/planner"
)

// Phase is a state of the build state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePlanning   Phase = "planning"
	PhaseLinking    Phase = "linking"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// ErrCanceled is the failure reason of a canceled build.
var ErrCanceled = errors.New("canceled")

// eventBuffer is the capacity of a build's progress channel.
const eventBuffer = 64

// Progress is one build progress event.
type Progress struct {
	BuildID        string `json:"build_id"`
	Phase          Phase  `json:"phase"`
	FilesProcessed int    `json:"files_processed"`
	TotalFiles     int    `json:"total_files"`
	BytesProcessed int64  `json:"bytes_processed"`
	TotalBytes     int64  `json:"total_bytes"`
	CurrentFile    string `json:"current_file,omitempty"`
	Completed      bool   `json:"completed"`
	Error          string `json:"error,omitempty"`
}

// Result describes a published build.
type Result struct {
	BuildID string `json:"build_id"`

	// Dir is the published build directory
	Dir string `json:"dir"`

	// Current is the link the application is launched from
	Current string `json:"current"`

	Plan      *planner.Plan `json:"plan"`
	Hardlinks int64         `json:"hardlinks"`
	Copies    int64         `json:"copies"`
	Duration  time.Duration `json:"duration"`
}

// Build is a handle on one asynchronous runtime build.
//
// Events delivers progress until exactly one terminal event (Completed set)
// and is closed afterwards. Intermediate events are dropped when the
// consumer falls behind; the terminal event never is.
type Build struct {
	ID      string
	Profile string

	mu        sync.Mutex
	events    chan Progress
	last      Progress
	processed int
	bytesDone int64
	cancel context.CancelCauseFunc
	done   chan struct{}
	result *Result
	err    error
}

func newBuild(id, profile string, cancel context.CancelCauseFunc) *Build {
	return &Build{
		ID:      id,
		Profile: profile,
		events:  make(chan Progress, eventBuffer),
		last:    Progress{BuildID: id, Phase: PhaseIdle},
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Events returns the build's progress stream.
func (b *Build) Events() <-chan Progress {
	return b.events
}

// Cancel aborts the build. The build fails with reason "canceled" unless it
// has already finished.
func (b *Build) Cancel() {
	b.cancel(ErrCanceled)
}

// Done is closed when the build has finished.
func (b *Build) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the build finishes and returns its outcome.
func (b *Build) Wait() (*Result, error) {
	<-b.done
	return b.result, b.err
}

// Last returns the most recent progress, whether or not it was delivered.
func (b *Build) Last() Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Phase returns the current phase.
func (b *Build) Phase() Phase {
	return b.Last().Phase
}

func (b *Build) emit(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.send(p)
}

// advance counts one more linked file of size bytes and emits p with the
// running totals, so FilesProcessed never goes backwards.
func (b *Build) advance(p Progress, size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.processed++
	b.bytesDone += size
	p.FilesProcessed = b.processed
	p.BytesProcessed = b.bytesDone
	b.send(p)
}

// send records and delivers p. Callers hold b.mu.
func (b *Build) send(p Progress) {
	p.BuildID = b.ID
	b.last = p
	// The last slot is reserved for the terminal event.
	if len(b.events) < cap(b.events)-1 {
		b.events <- p
	}
}

func (b *Build) finish(res *Result, err error) {
	b.mu.Lock()
	p := b.last
	p.Completed = true
	p.CurrentFile = ""
	if err != nil {
		p.Phase = PhaseFailed
		p.Error = err.Error()
	} else {
		p.Phase = PhaseComplete
	}
	b.last = p
	b.result = res
	b.err = err
	b.events <- p
	close(b.events)
	b.mu.Unlock()

	b.cancel(nil)
	close(b.done)
}
