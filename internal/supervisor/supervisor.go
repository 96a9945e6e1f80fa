// Package supervisor manages the lifecycle of the Orchestrator's child
// processes (Executive, Detector): spawn with a health-poll readiness
// gate, and a SIGTERM-then-SIGKILL shutdown sequence.
//
// Grounded on internal/budget/cpuwatcher.go's gopsutil polling loop in the
// teacher repo (process.NewProcess, CPUPercent, MemoryInfo sampled on an
// interval), generalized from CPU-based session-completion detection to
// per-request resource sampling for /health, and on the connection-health
// bookkeeping style of internal/senses/discord.go for per-child state.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/deflagg/eva-sub002/internal/logging"
)

// ChildSpec describes one managed child process.
type ChildSpec struct {
	Name string
	Command string
	Args []string
	Dir string
	Env []string // additional entries appended to the inherited environment
	HealthURL string
	ReadyTimeout time.Duration
	ShutdownTimeout time.Duration
}

// ChildStatus is the live status of one managed child, surfaced on
// /health.
type ChildStatus struct {
	Name string `json:"name"`
	Alive bool `json:"alive"`
	PID int `json:"pid,omitempty"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes uint64 `json:"rss_bytes"`
}

type child struct {
	spec ChildSpec
	cmd *exec.Cmd
}

// Supervisor owns a startup-ordered list of children and polls their
// health/resource usage.
type Supervisor struct {
	children []*child
}

// New returns a Supervisor for specs, started and stopped in the given
// order (reverse order on Stop).
func New(specs []ChildSpec) *Supervisor {
	s := &Supervisor{}
	for _, spec := range specs {
		s.children = append(s.children, &child{spec: spec})
	}
	return s
}

// StartAll spawns every child in order, waiting for each to become ready
// (healthUrl returns 200) before starting the next.
func (s *Supervisor) StartAll(ctx context.Context) error {
	for _, c := range s.children {
		if err := s.start(ctx, c); err != nil {
			return fmt.Errorf("supervisor: start %s: %w", c.spec.Name, err)
		}
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, c *child) error {
	cmd := exec.CommandContext(ctx, c.spec.Command, c.spec.Args...)
	cmd.Dir = c.spec.Dir
	cmd.Env = append(os.Environ(), c.spec.Env...)
	cmd.SysProcAttr = setpgid()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	go prefixLines(c.spec.Name, "stdout", stdout)
	go prefixLines(c.spec.Name, "stderr", stderr)

	if err := cmd.Start(); err != nil {
		return err
	}
	c.cmd = cmd

	if c.spec.HealthURL == "" {
		return nil
	}
	return waitReady(c.spec.HealthURL, c.spec.ReadyTimeout)
}

func waitReady(healthURL string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("supervisor: %s not ready after %s", healthURL, timeout)
}

// StopAll terminates every child in reverse startup order: SIGTERM to the
// process group, wait shutdownTimeout, then SIGKILL. Kill failures are
// logged, never raised, since shutdown is always best-effort.
func (s *Supervisor) StopAll() {
	for i := len(s.children) - 1; i >= 0; i-- {
		s.stop(s.children[i])
	}
}

func (s *Supervisor) stop(c *child) {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	timeout := c.spec.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if err := signalGroup(c.cmd.Process.Pid, syscall.SIGTERM); err != nil {
		logging.Warn("supervisor", "SIGTERM %s (pid %d) failed: %v", c.spec.Name, c.cmd.Process.Pid, err)
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	if err := signalGroup(c.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		logging.Warn("supervisor", "SIGKILL %s (pid %d) failed: %v", c.spec.Name, c.cmd.Process.Pid, err)
	}
	<-done
}

func prefixLines(name, stream string, r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			for {
				idx := indexByte(carry, '\n')
				if idx < 0 {
					break
				}
				logging.Info("supervisor", "[%s:%s] %s", name, stream, string(carry[:idx]))
				carry = carry[idx+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Statuses samples CPU%/RSS for every live child via gopsutil.
func (s *Supervisor) Statuses() []ChildStatus {
	out := make([]ChildStatus, 0, len(s.children))
	for _, c := range s.children {
		st := ChildStatus{Name: c.spec.Name}
		if c.cmd != nil && c.cmd.Process != nil {
			st.PID = c.cmd.Process.Pid
			if proc, err := process.NewProcess(int32(c.cmd.Process.Pid)); err == nil {
				st.Alive = true
				if cpu, err := proc.CPUPercent(); err == nil {
					st.CPUPercent = cpu
				}
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					st.RSSBytes = mem.RSS
				}
			}
		}
		out = append(out, st)
	}
	return out
}
