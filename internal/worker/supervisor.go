// Package worker manages the lifecycle of the three long-lived worker
// subprocesses (resolve, media, platform): spawning, health checks,
// crash/backoff restart, and request/response correlation over the
// line-delimited JSON wire protocol. Grounded on the dispatch/backoff
// style of internal/daemon/dispatcher.go and the stdin/stdout line
// contract of original_source/helper/worker_runtime.py.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/orchestrator-core/internal/envelope"
	"github.com/msageha/orchestrator-core/internal/model"
	"github.com/msageha/orchestrator-core/internal/orcherr"
	"github.com/msageha/orchestrator-core/internal/orchlog"
)

// backoffSchedule is the restart delay table per spec.md §4.2, indexed
// by consecutive-crash count and clamped to the last entry.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

func backoffFor(crashCount int) time.Duration {
	if crashCount < 0 {
		crashCount = 0
	}
	if crashCount >= len(backoffSchedule) {
		crashCount = len(backoffSchedule) - 1
	}
	return backoffSchedule[crashCount]
}

// EventSink receives worker-emitted events (progress/message/status) as
// they are normalized off the stdout stream.
type EventSink func(model.EventEnvelope)

// AvailabilityFunc is notified whenever a worker transitions to or away
// from the healthy state, for WORKER_AVAILABLE broadcast.
type AvailabilityFunc func(w model.Worker, available bool)

type pendingEntry struct {
	ch        chan pendingResult
	startedAt time.Time
}

type pendingResult struct {
	resp *model.ResponseEnvelope
	err  error
}

type workerState struct {
	mu sync.Mutex

	worker model.Worker
	cfg    model.SpawnConfig

	proc        *process
	healthy     bool
	stopping    bool
	crashCount  int
	generation  int // bumped on every start and before Restart's kill; stale exit-watchers no-op
	transcribes int // count of in-flight transcribe-family commands

	pending map[string]*pendingEntry

	active int
}

// Supervisor owns every worker's process lifecycle and the pending
// request map used to correlate stdout lines back to callers.
type Supervisor struct {
	log    *orchlog.Logger
	events EventSink
	avail  AvailabilityFunc

	mu      sync.Mutex
	workers map[model.Worker]*workerState

	healthInterval time.Duration

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Config configures a Supervisor's worker processes and health-check cadence.
type Config struct {
	Spawn          map[model.Worker]model.SpawnConfig
	HealthInterval time.Duration
}

// New builds a Supervisor; it does not spawn any process until Start
// is called for each worker.
func New(cfg Config, log *orchlog.Logger, events EventSink, avail AvailabilityFunc) *Supervisor {
	interval := cfg.HealthInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s := &Supervisor{
		log:            log,
		events:         events,
		avail:          avail,
		workers:        make(map[model.Worker]*workerState),
		healthInterval: interval,
		shutdownCh:     make(chan struct{}),
	}
	for w, sc := range cfg.Spawn {
		s.workers[w] = &workerState{
			worker:  w,
			cfg:     sc,
			pending: make(map[string]*pendingEntry),
		}
	}
	return s
}

// StartAll spawns every configured worker and begins its health-check loop.
func (s *Supervisor) StartAll() error {
	s.mu.Lock()
	all := make([]*workerState, 0, len(s.workers))
	for _, ws := range s.workers {
		all = append(all, ws)
	}
	s.mu.Unlock()

	for _, ws := range all {
		if err := s.start(ws); err != nil {
			return err
		}
		go s.healthLoop(ws)
	}
	return nil
}

// StopAll terminates every worker and prevents further restarts.
func (s *Supervisor) StopAll() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.mu.Lock()
	all := make([]*workerState, 0, len(s.workers))
	for _, ws := range s.workers {
		all = append(all, ws)
	}
	s.mu.Unlock()

	for _, ws := range all {
		s.stop(ws, "supervisor shutdown")
	}
}

func (s *Supervisor) stateFor(w model.Worker) (*workerState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[w]
	return ws, ok
}

func (s *Supervisor) start(ws *workerState) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.stopping = false
	proc, err := spawn(ws.cfg)
	if err != nil {
		s.log.Error("failed to spawn worker %s: %v", ws.worker, err)
		return err
	}
	ws.proc = proc
	ws.healthy = true
	ws.crashCount = 0
	ws.generation++
	gen := ws.generation

	go s.readLoop(ws, proc)
	go func() {
		exitErr := proc.wait()
		s.onExit(ws, gen, exitErr)
	}()

	s.log.Info("worker %s started pid=%d", ws.worker, pidOf(proc))
	if s.avail != nil {
		s.avail(ws.worker, true)
	}
	return nil
}

func pidOf(p *process) int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

func (s *Supervisor) stop(ws *workerState, reason string) {
	ws.mu.Lock()
	ws.stopping = true
	proc := ws.proc
	ws.mu.Unlock()

	if proc != nil {
		proc.terminate()
	}
	s.flushPending(ws, orcherr.NewRetryable(fmt.Sprintf("worker %s stopped: %s", ws.worker, reason)))
}

// Restart forcibly terminates and respawns a worker, regardless of crash
// state; used by the engine's cancel-while-running path (spec.md §4.5).
func (s *Supervisor) Restart(w model.Worker, reason string) error {
	ws, ok := s.stateFor(w)
	if !ok {
		return fmt.Errorf("unknown worker %q", w)
	}
	ws.mu.Lock()
	proc := ws.proc
	ws.generation++
	ws.mu.Unlock()
	if proc != nil {
		proc.terminate()
	}
	s.flushPending(ws, orcherr.NewRetryable(fmt.Sprintf("worker %s restarted: %s", w, reason)))
	return s.start(ws)
}

func (s *Supervisor) onExit(ws *workerState, gen int, exitErr error) {
	ws.mu.Lock()
	if gen != ws.generation {
		// a newer process has already replaced the one this watcher was
		// tracking; let the current generation's own watcher report.
		ws.mu.Unlock()
		return
	}
	ws.healthy = false
	wasTranscribing := ws.transcribes > 0
	ws.transcribes = 0
	stopping := ws.stopping
	ws.crashCount++
	crashCount := ws.crashCount
	ws.mu.Unlock()

	if s.avail != nil {
		s.avail(ws.worker, false)
	}
	s.flushPending(ws, orcherr.NewRetryable(fmt.Sprintf("worker %s process exited: %v", ws.worker, exitErr)))

	if wasTranscribing {
		s.log.Warn("worker %s exited mid-transcription, clearing in-progress flag", ws.worker)
	}

	if stopping {
		s.log.Info("worker %s exited (stopping)", ws.worker)
		return
	}

	delay := backoffFor(crashCount - 1)
	s.log.Warn("worker %s exited unexpectedly (crash #%d), restarting in %s", ws.worker, crashCount, delay)

	select {
	case <-s.shutdownCh:
		return
	case <-time.After(delay):
	}

	ws.mu.Lock()
	stillStopping := ws.stopping
	ws.mu.Unlock()
	if stillStopping {
		return
	}
	if err := s.start(ws); err != nil {
		s.log.Error("worker %s restart failed: %v", ws.worker, err)
	}
}

func (s *Supervisor) flushPending(ws *workerState, err error) {
	ws.mu.Lock()
	pending := ws.pending
	ws.pending = make(map[string]*pendingEntry)
	ws.mu.Unlock()

	for id, entry := range pending {
		select {
		case entry.ch <- pendingResult{err: err}:
		default:
		}
		_ = id
	}
}

func (s *Supervisor) readLoop(ws *workerState, proc *process) {
	for {
		line, err := proc.readLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		s.dispatchLine(ws, line)
	}
}

func (s *Supervisor) dispatchLine(ws *workerState, line string) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		s.log.Warn("worker %s emitted unparseable line, dropping: %v", ws.worker, err)
		return
	}

	resp, evt := envelope.NormalizeResponseEnvelope(raw, "", time.Time{})
	if evt != nil {
		if s.events != nil {
			s.events(*evt)
		}
		return
	}
	if resp == nil || resp.ID == "" {
		return
	}

	ws.mu.Lock()
	entry, ok := ws.pending[resp.ID]
	if ok {
		delete(ws.pending, resp.ID)
	}
	if ws.transcribes > 0 {
		ws.transcribes--
	}
	ws.mu.Unlock()

	if !ok {
		return
	}
	resp.Metrics = map[string]any{"latency_ms": time.Since(entry.startedAt).Milliseconds()}
	select {
	case entry.ch <- pendingResult{resp: resp}:
	default:
	}
}

// SendRequest writes env to its owning worker's stdin and blocks until a
// matching response arrives, ctx is canceled, or the worker is restarted
// out from under the request (in which case it resolves to a
// RetryableError, letting the engine re-enqueue per spec.md §4.5 step 4).
func (s *Supervisor) SendRequest(ctx context.Context, env model.RequestEnvelope) (*model.ResponseEnvelope, error) {
	ws, ok := s.stateFor(env.Worker)
	if !ok {
		return nil, orcherr.NewFatal(fmt.Sprintf("no such worker %q", env.Worker))
	}

	ws.mu.Lock()
	if !ws.healthy || ws.proc == nil {
		ws.mu.Unlock()
		return nil, orcherr.NewRetryable(fmt.Sprintf("worker %s is not available", env.Worker))
	}
	entry := &pendingEntry{ch: make(chan pendingResult, 1), startedAt: time.Now()}
	ws.pending[env.ID] = entry
	if isTranscribeFamily(env.Cmd) {
		ws.transcribes++
	}
	ws.active++
	proc := ws.proc
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		ws.active--
		ws.mu.Unlock()
	}()

	if err := proc.writeLine(envelope.ToWorkerWireMessage(env)); err != nil {
		ws.mu.Lock()
		delete(ws.pending, env.ID)
		ws.mu.Unlock()
		return nil, orcherr.NewRetryable(fmt.Sprintf("write to worker %s failed: %v", env.Worker, err))
	}

	select {
	case res := <-entry.ch:
		return res.resp, res.err
	case <-ctx.Done():
		ws.mu.Lock()
		delete(ws.pending, env.ID)
		ws.mu.Unlock()
		return nil, orcherr.NewRetryable(fmt.Sprintf("request to worker %s timed out", env.Worker))
	}
}

func isTranscribeFamily(cmd string) bool {
	return cmd == "transcribe" || cmd == "transcribe_folder"
}

// ActiveCount reports the number of in-flight requests for a worker.
func (s *Supervisor) ActiveCount(w model.Worker) int {
	ws, ok := s.stateFor(w)
	if !ok {
		return 0
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.active
}

// Healthy reports whether a worker currently has a live process.
func (s *Supervisor) Healthy(w model.Worker) bool {
	ws, ok := s.stateFor(w)
	if !ok {
		return false
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.healthy
}

func (s *Supervisor) healthLoop(ws *workerState) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.pingOnce(ws)
		}
	}
}

func (s *Supervisor) pingOnce(ws *workerState) {
	ws.mu.Lock()
	stopping := ws.stopping
	ws.mu.Unlock()
	if stopping {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env := model.RequestEnvelope{
		ID:      model.GenerateID(model.IDKindRequest),
		Worker:  ws.worker,
		Cmd:     "ping",
		Payload: map[string]any{},
		TraceID: model.GenerateID(model.IDKindTrace),
	}
	_, err := s.SendRequest(ctx, env)
	if err != nil {
		s.log.Warn("health check failed for worker %s: %v", ws.worker, err)
		s.Restart(ws.worker, "failed health check")
	}
}
