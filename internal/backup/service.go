package backup

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup/operation"
	"github.com/devicekit/backupd/internal/infrastructure/config"
	"github.com/devicekit/backupd/internal/infrastructure/monitoring"
	"github.com/devicekit/backupd/internal/logging"
)

var (
	// ErrRunInProgress means a run is already holding the exclusivity lock;
	// only one full-data run may be active at a time.
	ErrRunInProgress = errors.New("a backup run is already in progress")
	// ErrRunNotFound means no run with the given ID exists.
	ErrRunNotFound = errors.New("backup run not found")
	// ErrRunNotActive means the run has already finished.
	ErrRunNotActive = errors.New("backup run is not active")
	// ErrNoProducers means the request resolved to an empty queue.
	ErrNoProducers = errors.New("no producers requested")
)

// Run is one backup pass and its accounting.
type Run struct {
	ID            string
	UserInitiated bool

	task *Task

	mu        sync.RWMutex
	queued    []string
	started   time.Time
	finished  time.Time
	runStatus *ResultCode
	results   map[string]ResultCode
	progress  map[string][2]int64 // expected, sofar
}

// Snapshot is a point-in-time view of a run for the status API.
type Snapshot struct {
	ID            string              `json:"id"`
	UserInitiated bool                `json:"user_initiated"`
	Queued        []string            `json:"queued"`
	Started       time.Time           `json:"started"`
	Finished      *time.Time          `json:"finished,omitempty"`
	Status        string              `json:"status"`
	Results       map[string]string   `json:"results"`
	Progress      map[string][2]int64 `json:"progress,omitempty"`
}

// Snapshot captures the run's current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		ID:            r.ID,
		UserInitiated: r.UserInitiated,
		Queued:        append([]string(nil), r.queued...),
		Started:       r.started,
		Status:        "running",
		Results:       make(map[string]string, len(r.results)),
		Progress:      make(map[string][2]int64, len(r.progress)),
	}
	for name, code := range r.results {
		snap.Results[name] = code.String()
	}
	for name, p := range r.progress {
		snap.Progress[name] = p
	}
	if r.runStatus != nil {
		snap.Status = r.runStatus.String()
		finished := r.finished
		snap.Finished = &finished
	}
	return snap
}

// Active reports whether the run is still in flight.
func (r *Run) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runStatus == nil
}

// Done exposes the underlying task's completion channel.
func (r *Run) Done() <-chan struct{} {
	return r.task.Done()
}

// runRecorder adapts a Run into an Observer.
type runRecorder struct{ run *Run }

func (o runRecorder) OnProducerResult(name string, code ResultCode) {
	o.run.mu.Lock()
	o.run.results[name] = code
	o.run.mu.Unlock()
}

func (o runRecorder) OnProgress(name string, expected, sofar int64) {
	o.run.mu.Lock()
	o.run.progress[name] = [2]int64{expected, sofar}
	o.run.mu.Unlock()
}

func (o runRecorder) OnRunFinished(code ResultCode) {
	o.run.mu.Lock()
	o.run.runStatus = &code
	o.run.finished = time.Now()
	o.run.mu.Unlock()
}

// multiObserver fans callbacks out to several observers, best-effort.
type multiObserver []Observer

func (m multiObserver) OnProducerResult(name string, code ResultCode) {
	for _, o := range m {
		safeObserve(func() { o.OnProducerResult(name, code) })
	}
}

func (m multiObserver) OnProgress(name string, expected, sofar int64) {
	for _, o := range m {
		safeObserve(func() { o.OnProgress(name, expected, sofar) })
	}
}

func (m multiObserver) OnRunFinished(code ResultCode) {
	for _, o := range m {
		safeObserve(func() { o.OnRunFinished(code) })
	}
}

func safeObserve(f func()) {
	defer func() { _ = recover() }()
	f()
}

// ServiceParams wires a Service.
type ServiceParams struct {
	Config    config.BackupConfig
	Engine    Engine
	Transport Transport
	Eligible  Eligibility
	Scheduler Scheduler
	Agents    Agents
	WakeLock  WakeLock
	Ops       *operation.Registry
	Metrics   *monitoring.Metrics // optional
	Observer  Observer            // optional extra observer (e.g. ws fan-out)
	Log       *logging.Logger
}

// Service owns the run registry and the single-run exclusivity lock, bridging
// the control plane to the orchestration core.
type Service struct {
	cfg       config.BackupConfig
	engine    Engine
	transport Transport
	eligible  Eligibility
	scheduler Scheduler
	agents    Agents
	wake      WakeLock
	ops       *operation.Registry
	metrics   *monitoring.Metrics
	extra     Observer
	log       *logging.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	active *Run
}

// NewService creates the backup service.
func NewService(params ServiceParams) *Service {
	return &Service{
		cfg:       params.Config,
		engine:    params.Engine,
		transport: params.Transport,
		eligible:  params.Eligible,
		scheduler: params.Scheduler,
		agents:    params.Agents,
		wake:      params.WakeLock,
		ops:       params.Ops,
		metrics:   params.Metrics,
		extra:     params.Observer,
		log:       params.Log.Named("backup"),
		runs:      make(map[string]*Run),
	}
}

// Start begins a run for the requested producer names. Only one run may be
// active at a time.
func (s *Service) Start(names []string, userInitiated bool) (*Run, error) {
	if len(names) == 0 {
		return nil, ErrNoProducers
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return nil, ErrRunInProgress
	}

	run := &Run{
		ID:            uuid.New().String(),
		UserInitiated: userInitiated,
		started:       time.Now(),
		results:       make(map[string]ResultCode),
		progress:      make(map[string][2]int64),
	}

	observers := multiObserver{runRecorder{run: run}}
	if s.extra != nil {
		observers = append(observers, s.extra)
	}

	queue := BuildQueue(names, s.eligible, observers, s.log)
	run.mu.Lock()
	run.queued = queue.Names()
	run.mu.Unlock()

	run.task = NewTask(TaskParams{
		Queue:          queue,
		Transport:      s.transport,
		Engine:         s.engine,
		Observer:       observers,
		Scheduler:      s.scheduler,
		Agents:         s.agents,
		WakeLock:       s.wake,
		Ops:            s.ops,
		Metrics:        s.metrics,
		Log:            s.log,
		ChunkSize:      s.cfg.ChunkSize,
		OpTimeout:      s.cfg.OpTimeout,
		UserInitiated:  userInitiated,
		UpdateSchedule: s.cfg.UpdateSchedule,
		OnFinished: func() {
			s.mu.Lock()
			if s.active == run {
				s.active = nil
			}
			s.mu.Unlock()
		},
	})

	s.runs[run.ID] = run
	s.active = run

	s.log.Info("Starting backup run",
		zap.String("run_id", run.ID),
		zap.Int("queued", queue.Len()),
		zap.Bool("user_initiated", userInitiated))

	go run.task.Run()
	return run, nil
}

// Cancel cancels an active run.
func (s *Service) Cancel(runID string) error {
	s.mu.Lock()
	run, ok := s.runs[runID]
	s.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	if !run.Active() {
		return ErrRunNotActive
	}
	run.task.HandleCancel(true)
	return nil
}

// Get returns a run by ID.
func (s *Service) Get(runID string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	return run, ok
}

// List returns snapshots of all known runs.
func (s *Service) List() []Snapshot {
	s.mu.Lock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	snaps := make([]Snapshot, 0, len(runs))
	for _, r := range runs {
		snaps = append(snaps, r.Snapshot())
	}
	return snaps
}
