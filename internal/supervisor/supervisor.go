package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hotspotd/hotspotd/internal/proxy"
	"github.com/hotspotd/hotspotd/internal/stats"
)

// State is the pool lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerStatus describes one worker slot for stats consumers.
type WorkerStatus struct {
	PID       int
	StartedAt time.Time
	Restarts  int

	// Active is the worker's last-reported in-flight connection count.
	Active int64

	// Snapshot is the slot's cumulative totals, including processes that
	// previously occupied the slot and have since exited.
	Snapshot stats.Snapshot
}

// PoolStats is the cross-worker aggregate returned by CurrentStats. Totals
// are sums of last-known per-worker snapshots, so they are eventually
// consistent rather than exact at any instant.
type PoolStats struct {
	Totals  stats.Snapshot
	Workers []WorkerStatus
}

// slot is one worker position in the pool. The supervisor's monitor loop is
// the only writer of cmd/pid/started/restarts; readStats goroutines write
// last, so everything is guarded by mu.
type slot struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	pid      int
	gen      int
	started  time.Time
	restarts int

	last    stats.Snapshot // from the currently running process
	retired stats.Snapshot // folded totals of exited processes in this slot
}

// retire folds the exited process's totals into the slot and bumps the
// generation in the same critical section, so a late snapshot line still
// sitting in the old pipe can never repopulate last after the fold. The
// process's active count died with it.
func (sl *slot) retire() {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	final := sl.last
	final.ActiveConnections = 0
	sl.retired = sl.retired.Add(final)
	sl.last = stats.Snapshot{}
	sl.restarts++
	sl.gen++
}

func (sl *slot) status() WorkerStatus {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	snap := sl.retired.Add(sl.last)
	return WorkerStatus{
		PID:       sl.pid,
		StartedAt: sl.started,
		Restarts:  sl.restarts,
		Active:    sl.last.ActiveConnections,
		Snapshot:  snap,
	}
}

// Supervisor owns the shared listener and the worker pool. Create with New,
// run with Start, stop with Shutdown, join with Wait.
type Supervisor struct {
	cfg  proxy.Config
	argv []string

	ln     net.Listener
	httpLn net.Listener

	mu    sync.Mutex
	state State
	slots []*slot

	watchers   sync.WaitGroup
	finishOnce sync.Once
	done       chan struct{}
}

// New validates cfg and binds the shared listening socket(s). Nothing is
// spawned until Start, and a validation or bind failure leaves no state
// behind. workerArgv is the command line used to spawn workers; nil means
// re-execute this binary with --worker.
func New(cfg proxy.Config, workerArgv []string) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(workerArgv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		workerArgv = []string{exe, "--worker"}
	}

	ln, err := proxy.ListenTCP("tcp", cfg.Addr(), cfg.KeepAlive)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Addr(), err)
	}

	var httpLn net.Listener
	if cfg.HTTPEnabled {
		httpLn, err = proxy.ListenTCP("tcp", cfg.HTTPAddr(), cfg.KeepAlive)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("bind %s: %w", cfg.HTTPAddr(), err)
		}
	}

	s := &Supervisor{
		cfg:    cfg,
		argv:   workerArgv,
		ln:     ln,
		httpLn: httpLn,
		state:  StateStarting,
		slots:  make([]*slot, cfg.Workers),
		done:   make(chan struct{}),
	}
	for i := range s.slots {
		s.slots[i] = &slot{}
	}
	return s, nil
}

// Addr is the address the shared SOCKS5 listener is bound to.
func (s *Supervisor) Addr() net.Addr { return s.ln.Addr() }

// State returns the pool lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start spawns the full worker pool and begins monitoring it. If any spawn
// fails, every worker already started is killed and the pool shuts down; no
// partial pool is left running.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.state != StateStarting {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("start from state %s", state)
	}
	s.mu.Unlock()

	for i := range s.slots {
		if err := s.spawn(i); err != nil {
			s.abortStart(i)
			return fmt.Errorf("spawn worker %d: %w", i, err)
		}
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	for i := range s.slots {
		s.watchers.Add(1)
		go s.watchSlot(i)
	}
	go func() {
		s.watchers.Wait()
		s.finish()
	}()

	return nil
}

// abortStart kills and reaps workers 0..spawned-1 after a partial Start.
func (s *Supervisor) abortStart(spawned int) {
	for i := range spawned {
		sl := s.slots[i]
		sl.mu.Lock()
		cmd := sl.cmd
		sl.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_, _ = cmd.Process.Wait()
		}
	}
	s.finish()
}

// spawn starts a new worker process for slot i with the shared listener and
// a fresh stats pipe.
func (s *Supervisor) spawn(i int) error {
	lnFile, err := proxy.ExportFile(s.ln)
	if err != nil {
		return err
	}
	defer lnFile.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stats pipe: %w", err)
	}
	// The write end belongs to the child; closing our copy makes the read
	// end EOF when the child exits.
	defer pw.Close()

	env, err := s.cfg.EncodeEnv()
	if err != nil {
		_ = pr.Close()
		return err
	}

	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), env, proxy.SlotEnv+"="+strconv.Itoa(i))
	cmd.ExtraFiles = []*os.File{lnFile, pw}

	if s.httpLn != nil {
		httpFile, err := proxy.ExportFile(s.httpLn)
		if err != nil {
			_ = pr.Close()
			return err
		}
		defer httpFile.Close()
		cmd.ExtraFiles = append(cmd.ExtraFiles, httpFile)
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		return fmt.Errorf("start worker: %w", err)
	}

	sl := s.slots[i]
	sl.mu.Lock()
	sl.cmd = cmd
	sl.pid = cmd.Process.Pid
	sl.started = time.Now()
	gen := sl.gen
	sl.mu.Unlock()

	go s.readStats(sl, gen, pr)
	return nil
}

// readStats consumes snapshot lines from one worker process until its pipe
// hits EOF. Lines from a process that has since been replaced are dropped.
func (s *Supervisor) readStats(sl *slot, gen int, r io.ReadCloser) {
	defer r.Close()

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var snap stats.Snapshot
		if err := json.Unmarshal(sc.Bytes(), &snap); err != nil {
			continue
		}

		sl.mu.Lock()
		if sl.gen == gen {
			sl.last = snap
		}
		sl.mu.Unlock()
	}
}

// watchSlot reaps slot i's worker whenever it exits and respawns it while
// the pool is Running. It returns once the slot's worker exits during a
// drain, or if a respawn fails and the slot is retired.
func (s *Supervisor) watchSlot(i int) {
	defer s.watchers.Done()

	sl := s.slots[i]
	for {
		sl.mu.Lock()
		cmd := sl.cmd
		pid := sl.pid
		sl.mu.Unlock()

		err := cmd.Wait()

		if s.State() != StateRunning {
			return
		}

		log.Printf("worker %d (pid %d) exited unexpectedly (%v); restarting", i, pid, exitResult(cmd, err))

		sl.retire()

		if err := s.spawn(i); err != nil {
			log.Printf("worker %d: respawn failed, retiring slot: %v", i, err)
			return
		}
	}
}

func exitResult(cmd *exec.Cmd, err error) string {
	if err != nil {
		return err.Error()
	}
	return cmd.ProcessState.String()
}

// Shutdown moves the pool to Draining: workers are told to stop accepting
// and given the grace period to finish in-flight relays before being
// killed. It returns immediately; use Wait to join.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	switch s.state {
	case StateStarting:
		s.mu.Unlock()
		s.finish()
		return
	case StateRunning:
		s.state = StateDraining
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	log.Printf("draining %d workers", len(s.slots))
	s.signalAll(syscall.SIGTERM)

	grace := s.cfg.GracePeriod
	if grace <= 0 {
		grace = 30 * time.Second
	}

	go func() {
		t := time.NewTimer(grace + 2*time.Second)
		defer t.Stop()

		select {
		case <-s.done:
		case <-t.C:
			log.Print("grace period expired; killing remaining workers")
			s.signalAll(syscall.SIGKILL)
		}
	}()
}

func (s *Supervisor) signalAll(sig syscall.Signal) {
	for _, sl := range s.slots {
		sl.mu.Lock()
		cmd := sl.cmd
		sl.mu.Unlock()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(sig)
		}
	}
}

// Wait blocks until the pool is Stopped: all workers exited and the shared
// listener closed.
func (s *Supervisor) Wait() {
	<-s.done
}

// finish releases the shared listeners and marks the pool Stopped.
func (s *Supervisor) finish() {
	s.finishOnce.Do(func() {
		_ = s.ln.Close()
		if s.httpLn != nil {
			_ = s.httpLn.Close()
		}

		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()

		close(s.done)
	})
}

// CurrentStats sums the last snapshot retrieved from each worker slot. It
// never blocks on the workers themselves and is safe to call at any polling
// interval.
func (s *Supervisor) CurrentStats() PoolStats {
	ps := PoolStats{Workers: make([]WorkerStatus, len(s.slots))}
	for i, sl := range s.slots {
		ws := sl.status()
		ps.Workers[i] = ws
		ps.Totals = ps.Totals.Add(ws.Snapshot)
	}
	return ps
}
