// Package supervisor coordinates the at-most-one background daemon
// process (spec.md §4.I): a pidfile holds {pid, started_at, cmdline},
// start is idempotent against a live process, stop escalates from
// graceful signal to force-kill, and a stale pidfile (naming a PID that
// is no longer alive) is reclaimed transparently rather than treated as
// an error.
package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/deskcoach/deskcoach/internal/atomicfile"
)

// PidRecord is the persisted pidfile contents.
type PidRecord struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Cmdline   []string  `json:"cmdline"`
}

// Supervisor manages a single named child process under storageRoot,
// identified by a pidfile and an adjacent metadata file recording the
// command last used to start it (for Restart).
type Supervisor struct {
	mu          sync.Mutex
	pidfilePath string
	metaPath    string
	storageRoot string
}

// New creates a Supervisor whose pidfile/metadata live under storageRoot.
func New(storageRoot, pidfileName string) *Supervisor {
	return &Supervisor{
		storageRoot: storageRoot,
		pidfilePath: filepath.Join(storageRoot, pidfileName),
		metaPath:    filepath.Join(storageRoot, pidfileName+".meta.json"),
	}
}

// Status reports the current child's PID if one is alive, reclaiming a
// stale pidfile along the way.
func (s *Supervisor) Status() (pid int, running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveRecord()
}

// liveRecord reads the pidfile and returns its PID if it names a live
// process; a stale record is removed as a side effect.
func (s *Supervisor) liveRecord() (pid int, running bool, err error) {
	rec, ok, err := s.readRecord()
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if processAlive(rec.PID) {
		return rec.PID, true, nil
	}
	os.Remove(s.pidfilePath)
	return 0, false, nil
}

func (s *Supervisor) readRecord() (PidRecord, bool, error) {
	data, err := os.ReadFile(s.pidfilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return PidRecord{}, false, nil
		}
		return PidRecord{}, false, fmt.Errorf("reading pidfile: %w", err)
	}
	var rec PidRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return PidRecord{}, false, nil
	}
	return rec, true, nil
}

// Start spawns argv[0] with argv[1:] as arguments if no instance is
// currently running, writing a fresh pidfile. If an instance is already
// live, Start is idempotent and returns its existing PID. env is appended
// to the child's inherited environment (the caller is expected to include
// STORAGE_ROOT per spec.md §6).
func (s *Supervisor) Start(argv []string, env []string) (pid int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, running, err := s.liveRecord(); err != nil {
		return 0, err
	} else if running {
		return existing, nil
	}

	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting process: %w", err)
	}

	rec := PidRecord{PID: cmd.Process.Pid, StartedAt: time.Now(), Cmdline: argv}
	if err := s.writeRecord(rec); err != nil {
		cmd.Process.Kill()
		return 0, err
	}

	go cmd.Wait()

	return rec.PID, nil
}

func (s *Supervisor) writeRecord(rec PidRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling pidfile: %w", err)
	}
	if err := atomicfile.Write(s.pidfilePath, data, 0o644); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return atomicfile.Write(s.metaPath, data, 0o644)
}

const (
	gracefulWait = 5 * time.Second
	pollInterval = 100 * time.Millisecond
)

// Stop sends SIGTERM, waits up to 5s, escalates to SIGKILL, and removes
// the pidfile. Stopping an already-stopped process is a no-op success
// (spec.md §4.I).
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid, running, err := s.liveRecord()
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(s.pidfilePath)
		return nil
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		os.Remove(s.pidfilePath)
		return nil
	}

	deadline := time.Now().Add(gracefulWait)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			os.Remove(s.pidfilePath)
			return nil
		}
		time.Sleep(pollInterval)
	}

	if processAlive(pid) {
		proc.Signal(syscall.SIGKILL)
	}
	os.Remove(s.pidfilePath)
	return nil
}

// Restart stops the current instance (if any), waits briefly, and starts
// a new one from the last-known metadata file written at Start.
func (s *Supervisor) Restart(env []string) (pid int, err error) {
	if err := s.Stop(); err != nil {
		return 0, err
	}
	time.Sleep(200 * time.Millisecond)

	data, err := os.ReadFile(s.metaPath)
	if err != nil {
		return 0, fmt.Errorf("no known prior start configuration: %w", err)
	}
	var rec PidRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("parsing prior start configuration: %w", err)
	}

	return s.Start(rec.Cmdline, env)
}

// processAlive probes liveness via the standard Unix no-op-signal idiom:
// sending signal 0 fails with ESRCH if the PID no longer exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
