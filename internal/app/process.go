package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedspider/internal/config"
	"github.com/JakeFAU/feedspider/internal/ipc"
)

const rendererExitTimeout = 10 * time.Second

// rendererProcess is a spawned rendering worker speaking the ipc protocol on
// its stdin/stdout. There is no supervision: a worker that dies fails the
// run through the engine.
type rendererProcess struct {
	cmd    *exec.Cmd
	conn   *ipc.Stream
	logger *zap.Logger
	exited chan error
}

func rendererArgs(cfg config.Config) []string {
	args := []string{
		"--max-parallel", strconv.Itoa(cfg.Renderer.MaxParallel),
		"--navigation-timeout", cfg.Renderer.NavigationTimeout.String(),
		"--settle", cfg.Renderer.Settle.String(),
	}
	if cfg.Engine.UserAgent != "" {
		args = append(args, "--user-agent", cfg.Engine.UserAgent)
	}
	if !cfg.Logging.Development {
		args = append(args, "--production")
	}
	if cfg.Logging.Level != "" {
		args = append(args, "--log-level", cfg.Logging.Level)
	}
	return append(args, cfg.Renderer.Args...)
}

// startRenderer spawns the worker. It is killed when ctx ends.
func startRenderer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*rendererProcess, error) {
	cmd := exec.CommandContext(ctx, cfg.Renderer.Path, rendererArgs(cfg)...)
	cmd.Stderr = os.Stderr
	cmd.WaitDelay = rendererExitTimeout
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("renderer stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("renderer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start renderer %s: %w", cfg.Renderer.Path, err)
	}
	logger.Info("renderer started", zap.String("path", cfg.Renderer.Path), zap.Int("pid", cmd.Process.Pid))

	p := &rendererProcess{
		cmd:    cmd,
		conn:   ipc.NewStream(stdout, stdin, stdin),
		logger: logger,
		exited: make(chan error, 1),
	}
	go func() {
		p.exited <- cmd.Wait()
	}()
	return p, nil
}

// Wait waits for the worker to exit after its stdin was closed, killing it
// when it does not exit in time.
func (p *rendererProcess) Wait() error {
	select {
	case err := <-p.exited:
		return p.exitErr(err)
	case <-time.After(rendererExitTimeout):
	}
	p.logger.Warn("renderer did not exit, killing it")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill renderer: %w", err)
	}
	return p.exitErr(<-p.exited)
}

func (p *rendererProcess) exitErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("renderer exited with code %d: %w", exitErr.ExitCode(), err)
	}
	return fmt.Errorf("wait renderer: %w", err)
}
