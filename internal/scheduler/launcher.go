package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Exit is how a child ended.
type Exit struct {
	// Code is the exit status, or -1 when the child died from a signal or
	// could not be waited on.
	Code int
	Err  error
}

// Process is a launched child.
type Process interface {
	Pid() int
	// Terminate asks the child to stop and flush.
	Terminate() error
	// Kill ends the child without giving it a chance to clean up.
	Kill() error
	// Done delivers the exit exactly once.
	Done() <-chan Exit
}

// ConfigSource is a named configuration document re-sent to the child.
type ConfigSource struct {
	Name string
	Data []byte
}

// LaunchSpec describes one child.
type LaunchSpec struct {
	Scraper   string
	ProcessID string
	RunID     string
	Args      []string
}

// Launcher starts children.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher runs `<binary> run <scraper>` as a separate OS process. Each
// config source is streamed to the child over a pipe and named with
// --config-from-fd. Output is appended to <WorkDir>/logs/<scraper>.log.
type ExecLauncher struct {
	Binary  string
	WorkDir string
	Sources []ConfigSource
	Logger  *zap.Logger
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logDir := filepath.Join(l.WorkDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, spec.Scraper+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open scraper log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := []string{"run", spec.Scraper, "--process-id", spec.ProcessID}
	if spec.RunID != "" {
		args = append(args, "--run-id", spec.RunID)
	}
	readers := make([]*os.File, 0, len(l.Sources))
	writers := make([]*os.File, 0, len(l.Sources))
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}
	for i, src := range l.Sources {
		r, w, err := os.Pipe()
		if err != nil {
			closeAll(readers)
			closeAll(writers)
			return nil, fmt.Errorf("config pipe: %w", err)
		}
		readers = append(readers, r)
		writers = append(writers, w)
		// ExtraFiles[i] becomes descriptor 3+i in the child.
		args = append(args, "--config-from-fd", strconv.Itoa(3+i)+":"+src.Name)
	}
	args = append(args, spec.Args...)

	cmd := exec.Command(l.Binary, args...) //nolint:gosec // binary is our own executable
	cmd.Dir = l.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.ExtraFiles = readers
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		closeAll(readers)
		closeAll(writers)
		return nil, fmt.Errorf("start %s: %w", spec.Scraper, err)
	}
	closeAll(readers)

	for i, w := range writers {
		go func(w *os.File, data []byte, name string) {
			defer func() { _ = w.Close() }()
			if _, err := w.Write(data); err != nil && !errors.Is(err, syscall.EPIPE) {
				logger.Warn("send config to child", zap.String("source", name), zap.Error(err))
			}
		}(w, l.Sources[i].Data, l.Sources[i].Name)
	}

	p := &execProcess{cmd: cmd, done: make(chan Exit, 1)}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan Exit
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.done <- Exit{Code: 0}
	case errors.As(err, &exitErr):
		p.done <- Exit{Code: exitErr.ExitCode(), Err: err}
	default:
		p.done <- Exit{Code: -1, Err: err}
	}
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	// Negative pid signals the whole process group.
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *execProcess) Done() <-chan Exit { return p.done }
