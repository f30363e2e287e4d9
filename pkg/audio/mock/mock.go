// Package mock provides an in-memory implementation of [audio.Output] for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every Start call, tracks how
// many processes are alive at once, and hands tests a [Process] handle they
// can end naturally (Exit) to simulate audio finishing.
//
// Typical usage:
//
//	out := &mock.Output{}
//	proc, _ := out.Start(ctx, "/tmp/a.mp3", 0)
//	out.Last().Exit(nil) // the audio played to its end
//	_ = proc.Wait()
package mock

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/speakd/pkg/audio"
)

// ErrKilled is returned from [Process.Wait] after [Process.Kill].
var ErrKilled = errors.New("mock: process killed")

// StartCall records the arguments of a single [Output.Start] call.
type StartCall struct {
	Path   string
	Offset time.Duration

	// Data is the file content at the time of the call.
	Data []byte
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output].
// Set the exported fields before use; inspect the recorded state after.
type Output struct {
	mu sync.Mutex

	// StartErrs, when non-empty, is consumed in order by Start. Once
	// exhausted StartErr applies.
	StartErrs []error

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// NativeSeek is reported by SeeksNatively.
	NativeSeek bool

	calls   []StartCall
	procs   []*Process
	live    int
	maxLive int
}

// Start implements [audio.Output].
func (o *Output) Start(_ context.Context, path string, offset time.Duration) (audio.Process, error) {
	data, _ := os.ReadFile(path)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, StartCall{Path: path, Offset: offset, Data: data})

	var err error
	if len(o.StartErrs) > 0 {
		err = o.StartErrs[0]
		o.StartErrs = o.StartErrs[1:]
	} else {
		err = o.StartErr
	}
	if err != nil {
		return nil, err
	}

	p := &Process{Path: path, Offset: offset, out: o, done: make(chan struct{})}
	o.procs = append(o.procs, p)
	o.live++
	o.maxLive = max(o.maxLive, o.live)
	return p, nil
}

// SeeksNatively implements [audio.NativeSeeker].
func (o *Output) SeeksNatively() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.NativeSeek
}

// Calls returns a copy of every Start call so far.
func (o *Output) Calls() []StartCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StartCall(nil), o.calls...)
}

// Processes returns every process started so far.
func (o *Output) Processes() []*Process {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Process(nil), o.procs...)
}

// Last returns the most recently started process, or nil.
func (o *Output) Last() *Process {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.procs) == 0 {
		return nil
	}
	return o.procs[len(o.procs)-1]
}

// Live returns the number of processes that have not exited.
func (o *Output) Live() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// MaxLive returns the highest number of simultaneously live processes seen.
func (o *Output) MaxLive() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.maxLive
}

// WaitStarts polls until at least n processes were started or timeout
// elapses. It reports whether the count was reached.
func (o *Output) WaitStarts(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		o.mu.Lock()
		got := len(o.procs)
		o.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Process ──────────────────────────────────────────────────────────────────

// Process is a mock implementation of [audio.Process].
type Process struct {
	Path   string
	Offset time.Duration

	out  *Output
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error

	killed bool
}

// Wait implements [audio.Process].
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Kill implements [audio.Process].
func (p *Process) Kill() error {
	p.end(ErrKilled, true)
	return nil
}

// Exit ends the process as if the player exited on its own with err.
func (p *Process) Exit(err error) {
	p.end(err, false)
}

// Killed reports whether Kill ended the process.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Exited reports whether the process has ended.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) end(err error, killed bool) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.killed = killed
		p.mu.Unlock()

		p.out.mu.Lock()
		p.out.live--
		p.out.mu.Unlock()

		close(p.done)
	})
}

var (
	_ audio.Output       = (*Output)(nil)
	_ audio.NativeSeeker = (*Output)(nil)
	_ audio.Process      = (*Process)(nil)
)
