package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Placeholders substituted in a [CommandOutput] argv template.
const (
	PlaceholderFile   = "{file}"
	PlaceholderOffset = "{offset}"
)

// DefaultCommand returns the player argv for the current OS.
func DefaultCommand() []string {
	if runtime.GOOS == "darwin" {
		return []string{"afplay", PlaceholderFile}
	}
	return []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "quiet", "-ss", PlaceholderOffset, PlaceholderFile}
}

// CommandOutput plays files by running an external player. Every element of
// Args has {file} replaced by the file path and {offset} by the start offset
// in seconds.
type CommandOutput struct {
	Args []string
}

// NewCommandOutput validates args and returns a [CommandOutput]. An empty
// args slice selects [DefaultCommand].
func NewCommandOutput(args []string) (*CommandOutput, error) {
	if len(args) == 0 {
		args = DefaultCommand()
	}
	if args[0] == "" {
		return nil, errors.New("audio: output command is empty")
	}
	if !slices.ContainsFunc(args, func(a string) bool { return strings.Contains(a, PlaceholderFile) }) {
		return nil, fmt.Errorf("audio: output command %q has no %s placeholder", args, PlaceholderFile)
	}
	return &CommandOutput{Args: slices.Clone(args)}, nil
}

// SeeksNatively reports whether the template carries an {offset} placeholder.
func (o *CommandOutput) SeeksNatively() bool {
	return slices.ContainsFunc(o.Args, func(a string) bool { return strings.Contains(a, PlaceholderOffset) })
}

// Start implements [Output]. The process is not bound to ctx; it lives until
// it exits or is killed.
func (o *CommandOutput) Start(_ context.Context, path string, offset time.Duration) (Process, error) {
	argv := o.argv(path, offset)
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("audio: start %s: %w", argv[0], err)
	}
	return &cmdProcess{cmd: cmd}, nil
}

func (o *CommandOutput) argv(path string, offset time.Duration) []string {
	secs := strconv.FormatFloat(offset.Seconds(), 'f', 3, 64)
	r := strings.NewReplacer(PlaceholderFile, path, PlaceholderOffset, secs)
	out := make([]string, len(o.Args))
	for i, a := range o.Args {
		out[i] = r.Replace(a)
	}
	return out
}

type cmdProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

func (p *cmdProcess) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *cmdProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

var (
	_ Output       = (*CommandOutput)(nil)
	_ NativeSeeker = (*CommandOutput)(nil)
)
