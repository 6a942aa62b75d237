package media

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// Output is what an external tool printed.
type Output struct {
	Stdout []byte
	Stderr string
}

// Runner starts an external tool and waits for it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (Output, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (Output, error) {
	return f(ctx, name, args...)
}

// ExecRunner runs tools with os/exec, streaming stderr into debug logs.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return Output{}, err
	}
	if err := cmd.Start(); err != nil {
		return Output{}, err
	}
	lw := logx.NewLineWriter(logx.FromCtx(ctx), map[string]string{"proc": filepath.Base(name)}, zerolog.DebugLevel)
	lw.Pipe(io.TeeReader(pipe, &stderr))
	err = cmd.Wait()
	return Output{Stdout: stdout.Bytes(), Stderr: stderr.String()}, err
}
