package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/forest-guardian/aces-landcover/internal/logger"
)

// CommandRunner executes a CLI. RunCommand collects its standard output,
// StreamCommand hands it over as it is produced.
type CommandRunner interface {
	RunCommand(ctx context.Context, args ...string) (string, error)
	StreamCommand(ctx context.Context, args ...string) (io.ReadCloser, error)
}

type DefaultCommandRunner struct{}

var _ CommandRunner = &DefaultCommandRunner{}

func (d *DefaultCommandRunner) RunCommand(ctx context.Context, args ...string) (string, error) {
	logger.Debugf("Running command: %v", args)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	logger.Debugf("Command output: %d bytes", stdout.Len())
	return stdout.String(), nil
}

// StreamCommand starts the command and returns its standard output. A
// non-zero exit is reported by Read in place of io.EOF. Closing before the
// end kills the command.
func (d *DefaultCommandRunner) StreamCommand(ctx context.Context, args ...string) (io.ReadCloser, error) {
	logger.Debugf("Streaming command: %v", args)
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	s := &commandStream{name: args[0], cmd: cmd, cancel: cancel}
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s failed: %w", args[0], err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%s failed: %w", args[0], err)
	}
	s.stdout = stdout
	return s, nil
}

type commandStream struct {
	name   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr bytes.Buffer
	waited bool
	err    error
}

func (s *commandStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if errors.Is(err, io.EOF) {
		if werr := s.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (s *commandStream) wait() error {
	if !s.waited {
		s.waited = true
		if err := s.cmd.Wait(); err != nil {
			s.err = fmt.Errorf("%s failed: %w: %s", s.name, err, strings.TrimSpace(s.stderr.String()))
		}
	}
	return s.err
}

func (s *commandStream) Close() error {
	if s.waited {
		s.cancel()
		return s.err
	}
	s.cancel()
	s.wait()
	return nil
}

// FakeCommandRunner records calls and answers them from Responses, keyed by
// the space-joined command line, falling back to Output.
type FakeCommandRunner struct {
	Output    string
	ErrStr    string
	Responses map[string]string
	Calls     [][]string
}

var _ CommandRunner = &FakeCommandRunner{}

func (f *FakeCommandRunner) RunCommand(_ context.Context, args ...string) (string, error) {
	f.Calls = append(f.Calls, args)
	if f.ErrStr != "" {
		return f.Output, errors.New(f.ErrStr)
	}
	if out, ok := f.Responses[strings.Join(args, " ")]; ok {
		return out, nil
	}
	return f.Output, nil
}

func (f *FakeCommandRunner) StreamCommand(ctx context.Context, args ...string) (io.ReadCloser, error) {
	out, err := f.RunCommand(ctx, args...)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(out)), nil
}
