package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"syscall"
	"time"

	"workspace/internal/appinstance"
)

const (
	processIDTimeout    = 10 * time.Second
	processReadyTimeout = 20 * time.Second
)

// ProcessOptions is the options blob for the process variant.
type ProcessOptions struct {
	CMD  []string `json:"CMD"`
	Port int      `json:"PORT"`
	Env  []string `json:"ENV"`
}

type processInstanceID struct {
	PID int `json:"pid"`
}

// Process runs the application as a local child process. Used for local
// development and the lightest tool templates.
type Process struct {
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

var _ Spawner = (*Process)(nil)

func NewProcess(recorder Recorder, logger *slog.Logger) *Process {
	return &Process{
		recorder: recorder,
		logger:   logger.With("component", "process-spawner"),
		now:      time.Now,
	}
}

func (p *Process) Tag() Tag { return TagProcess }

func (p *Process) Spawn(ctx context.Context, req SpawnRequest) error {
	var opts ProcessOptions
	if err := json.Unmarshal(req.Options, &opts); err != nil {
		return fmt.Errorf("process options: %w", err)
	}
	if len(opts.CMD) == 0 {
		return fmt.Errorf("process options: CMD is required")
	}

	cmd := exec.Command(opts.CMD[0], opts.CMD[1:]...)
	cmd.Env = append(opts.Env,
		"APPLICATION_USER_EMAIL="+req.UserEmail,
		"APPLICATION_USER_SSO_ID="+req.UserSSOID,
	)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}
	pid := cmd.Process.Pid
	p.logger.Info("Process started", "instance_id", req.InstanceID, "pid", pid)

	// The child must outlive this task; reap it in the background so it
	// never zombifies.
	go func() { _ = cmd.Wait() }()

	blob, _ := json.Marshal(processInstanceID{PID: pid})
	if err := p.recorder.SetSpawnerInstanceID(ctx, req.InstanceID, string(blob)); err != nil {
		p.kill(pid)
		return err
	}

	// User may have DELETEd mid-spawn.
	inst, err := p.recorder.GetByID(ctx, req.InstanceID)
	if err != nil || inst.State != appinstance.StateSpawning {
		p.logger.Info("Instance gone mid-spawn, stopping process", "instance_id", req.InstanceID)
		p.kill(pid)
		if err != nil {
			return err
		}
		return nil
	}

	if err := p.waitForPort(ctx, opts.Port); err != nil {
		p.kill(pid)
		return err
	}

	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", opts.Port)
	if err := p.recorder.SetProxyURL(ctx, req.InstanceID, proxyURL); err != nil {
		p.kill(pid)
		return err
	}
	p.logger.Info("Process ready", "instance_id", req.InstanceID, "proxy_url", proxyURL)
	return nil
}

func (p *Process) waitForPort(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	deadline := p.now().Add(processReadyTimeout)
	for p.now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("process did not listen on %s within %s", addr, processReadyTimeout)
}

func (p *Process) State(ctx context.Context, options json.RawMessage, createdAt time.Time, spawnerInstanceID, proxyURL string) (appinstance.State, error) {
	return decideState(spawnerInstanceID, proxyURL, p.now().Sub(createdAt), processIDTimeout, processReadyTimeout, func() (bool, error) {
		pid, err := parsePID(spawnerInstanceID)
		if err != nil {
			return false, err
		}
		// Signal 0 probes existence without touching the process.
		return syscall.Kill(pid, 0) == nil, nil
	})
}

func (p *Process) Stop(ctx context.Context, options json.RawMessage, spawnerInstanceID string) error {
	pid, err := parsePID(spawnerInstanceID)
	if err != nil {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("stop process %d: %w", pid, err)
	}
	return nil
}

func (p *Process) CanStop(options json.RawMessage, spawnerInstanceID string) bool {
	_, err := parsePID(spawnerInstanceID)
	return err == nil
}

func (p *Process) kill(pid int) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
}

func parsePID(blob string) (int, error) {
	var id processInstanceID
	if err := json.Unmarshal([]byte(blob), &id); err != nil {
		return 0, fmt.Errorf("spawner instance id: %w", err)
	}
	if id.PID <= 0 {
		return 0, fmt.Errorf("spawner instance id: missing pid")
	}
	return id.PID, nil
}
