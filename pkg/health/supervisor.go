// Package health implements HealthSupervisor (spec.md section 4.8): spawn
// WORKER_COUNT worker subprocesses, each with a stable WORKER_ID, and tear
// down every sibling the moment any one of them exits abnormally. Follows
// the usual context-cancel-plus-done-channel monitor loop idiom, one
// goroutine per monitored unit, generalized from in-process health pings
// to real OS child processes.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

// GracePeriod is the SIGTERM-to-SIGKILL window spec 4.8 requires.
const GracePeriod = 5 * time.Second

// ExitError carries the failed child's exit code so cmd/supervisor can
// propagate it as its own process exit status (spec 4.8).
type ExitError struct {
	WorkerID int
	Code     int
	Reason   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("health: worker %d exited: %s (code %d)", e.WorkerID, e.Reason, e.Code)
}

// Supervisor spawns and supervises a fixed-size pool of identical worker
// subprocesses.
type Supervisor struct {
	Command     string
	Args        []string
	WorkerCount int
	GracePeriod time.Duration

	// StatusFilePath, if set, is read by the liveness handler to report the
	// supervised workers' active service identity — each cmd/mechworker
	// child writes its current rotation decision there on every change
	// (spec 4.8's "active service identity" in the liveness payload).
	StatusFilePath string

	startTime time.Time
}

// NewSupervisor builds a Supervisor. workerCount defaults to 1 when <= 0
// (spec 4.8's default WORKER_COUNT).
func NewSupervisor(command string, args []string, workerCount int) *Supervisor {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Supervisor{
		Command:     command,
		Args:        args,
		WorkerCount: workerCount,
		GracePeriod: GracePeriod,
		startTime:   time.Now(),
	}
}

// Run spawns WorkerCount children, each with a stable WORKER_ID
// environment variable, and blocks until one exits, ctx is canceled, or all
// children exit cleanly (exit code 0 with no signal). On any abnormal
// child exit, every sibling receives SIGTERM, then SIGKILL after
// GracePeriod, and Run returns an *ExitError carrying the triggering
// child's exit code.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.GracePeriod <= 0 {
		s.GracePeriod = GracePeriod
	}
	s.startTime = time.Now()

	type childExit struct {
		workerID int
		err      error
	}

	cmds := make([]*exec.Cmd, s.WorkerCount)
	exits := make(chan childExit, s.WorkerCount)

	for i := 0; i < s.WorkerCount; i++ {
		cmd := exec.Command(s.Command, s.Args...)
		cmd.Env = append(os.Environ(), "WORKER_ID="+strconv.Itoa(i))
		cmd.Stdout = &linePrefixWriter{prefix: fmt.Sprintf("[worker-%d] ", i), level: slog.LevelInfo}
		cmd.Stderr = &linePrefixWriter{prefix: fmt.Sprintf("[worker-%d] ", i), level: slog.LevelWarn}

		if err := cmd.Start(); err != nil {
			s.terminateAll(cmds[:i])
			return fmt.Errorf("health: start worker %d: %w", i, err)
		}
		cmds[i] = cmd

		workerID := i
		go func() {
			exits <- childExit{workerID: workerID, err: cmd.Wait()}
		}()
	}

	remaining := s.WorkerCount
	for {
		select {
		case <-ctx.Done():
			s.terminateAll(cmds)
			return ctx.Err()
		case exit := <-exits:
			remaining--
			if exit.err == nil {
				slog.Info("health: worker exited cleanly", "worker_id", exit.workerID)
				if remaining == 0 {
					return nil
				}
				continue
			}

			code, reason := exitDetails(exit.err)
			slog.Error("health: worker exited abnormally, terminating siblings",
				"worker_id", exit.workerID, "code", code, "reason", reason)
			s.terminateAll(cmds)
			return &ExitError{WorkerID: exit.workerID, Code: code, Reason: reason}
		}
	}
}

// terminateAll sends SIGTERM to every still-running child, waits
// GracePeriod, then SIGKILLs any survivor.
func (s *Supervisor) terminateAll(cmds []*exec.Cmd) {
	var wg sync.WaitGroup
	for _, cmd := range cmds {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		wg.Add(1)
		go func(cmd *exec.Cmd) {
			defer wg.Done()
			_ = cmd.Process.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() { _, _ = cmd.Process.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(s.GracePeriod):
				_ = cmd.Process.Kill()
				<-done
			}
		}(cmd)
	}
	wg.Wait()
}

func exitDetails(err error) (code int, reason string) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1, err.Error()
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, "signal: " + ws.Signal().String()
	}
	return exitErr.ExitCode(), "exit status " + strconv.Itoa(exitErr.ExitCode())
}

// linePrefixWriter forwards each written line to slog, prefixed per child,
// implementing spec 4.8's "aggregated log".
type linePrefixWriter struct {
	prefix string
	level  slog.Level
}

func (w *linePrefixWriter) Write(p []byte) (int, error) {
	slog.Log(context.Background(), w.level, w.prefix+string(p))
	return len(p), nil
}

// LivenessStatus is the liveness endpoint's JSON body (spec 4.8).
type LivenessStatus struct {
	StartTime       time.Time `json:"start_time"`
	WorkerCount     int       `json:"worker_count"`
	ActiveServiceID string    `json:"active_service_id,omitempty"`
}

// LivenessHandler serves GET /livez with process start time and, when
// StatusFilePath is configured, the most recently reported active service
// identity.
func (s *Supervisor) LivenessHandler(c *gin.Context) {
	status := LivenessStatus{StartTime: s.startTime, WorkerCount: s.WorkerCount}
	if s.StatusFilePath != "" {
		if id, err := readStatusFile(s.StatusFilePath); err == nil {
			status.ActiveServiceID = id
		}
	}
	c.JSON(http.StatusOK, status)
}

type workerStatusFile struct {
	ServiceConfigID string    `json:"service_config_id"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// WriteStatusFile atomically writes the worker's current active service id,
// called by cmd/mechworker on every rotation decision so the supervisor's
// liveness endpoint can report it (spec 4.8).
func WriteStatusFile(path, serviceConfigID string) error {
	body, err := json.Marshal(workerStatusFile{ServiceConfigID: serviceConfigID, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readStatusFile(path string) (string, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var f workerStatusFile
	if err := json.Unmarshal(body, &f); err != nil {
		return "", err
	}
	return f.ServiceConfigID, nil
}
