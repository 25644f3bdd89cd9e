package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/copyleftdev/moeva/internal/attack"
	"github.com/copyleftdev/moeva/internal/attack/encoding"
	"github.com/copyleftdev/moeva/internal/attack/moeva"
	"github.com/copyleftdev/moeva/internal/attack/objectives"
	"github.com/copyleftdev/moeva/internal/attack/problem"
	"github.com/copyleftdev/moeva/internal/config"
	apierrors "github.com/copyleftdev/moeva/internal/errors"
	"github.com/copyleftdev/moeva/internal/logging"
)

// Logger defines the logging interface used by the server.
type Logger interface {
	Debug(msg string, fields ...logging.Fields)
	Info(msg string, fields ...logging.Fields)
	Warn(msg string, fields ...logging.Fields)
	Error(msg string, fields ...logging.Fields)
	WithFields(fields logging.Fields) *logging.Logger
}

// Status is the lifecycle state of an attack job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var validate = validator.New()

// StartRequest starts one attack against the loaded problem.
type StartRequest struct {
	Reference []float64 `json:"reference" validate:"required,min=1"`
	// Class overrides the configured class to evade or target.
	Class *int `json:"class,omitempty" validate:"omitempty,gte=0"`
	// Targeted switches the evasion objective to targeted mode.
	Targeted       bool   `json:"targeted,omitempty"`
	Seed           *int64 `json:"seed,omitempty"`
	Generations    *int   `json:"generations,omitempty" validate:"omitempty,gte=0"`
	PopulationSize *int   `json:"population_size,omitempty" validate:"omitempty,min=1"`
}

// AttackStatus is the externally visible state of a job.
type AttackStatus struct {
	ID          string                  `json:"id"`
	Status      Status                  `json:"status"`
	Progress    float64                 `json:"progress"`
	Generation  int                     `json:"generation"`
	Generations int                     `json:"generations"`
	CreatedAt   time.Time               `json:"created_at"`
	StartTime   *time.Time              `json:"start_time,omitempty"`
	EndTime     *time.Time              `json:"end_time,omitempty"`
	LastUpdated time.Time               `json:"last_updated"`
	Stats       *attack.GenerationStats `json:"stats,omitempty"`
	Front       []attack.Candidate      `json:"front,omitempty"`
	Result      *attack.Result          `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
}

// attackState tracks one job. Fields are guarded by Server.mu.
type attackState struct {
	id          string
	status      Status
	reference   []float64
	cfg         moeva.Config
	createdAt   time.Time
	startTime   *time.Time
	endTime     *time.Time
	lastUpdated time.Time
	stats       *attack.GenerationStats
	engine      *moeva.Engine
	result      *attack.Result
	err         error
	cancel      context.CancelFunc
}

// Server implements the HTTP and JSON-RPC API for running attacks against
// one problem and one scorer.
type Server struct {
	cfg     *config.Config
	logger  Logger
	problem *problem.Problem
	scorer  attack.Scorer
	base    moeva.Config
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	attacks map[string]*attackState
	now     func() time.Time
}

// NewServer creates a server. base is the run configuration every attack
// starts from; requests may override a few of its fields.
func NewServer(cfg *config.Config, logger Logger, prob *problem.Problem, scorer attack.Scorer, base moeva.Config, metrics *Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	base.Objectives.Workers = cfg.Attack.Workers
	return &Server{
		cfg:     cfg,
		logger:  logger,
		problem: prob,
		scorer:  scorer,
		base:    base,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, cfg.Attack.MaxConcurrent),
		attacks: make(map[string]*attackState),
		now:     time.Now,
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/problem", s.handleProblem)
		r.Route("/attacks", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleStatus)
			r.Delete("/{id}", s.handleCancel)
		})
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Start validates req, registers a job and launches it. The job waits for a
// free run slot before the engine starts.
func (s *Server) Start(req StartRequest) (AttackStatus, error) {
	if err := validate.Struct(req); err != nil {
		return AttackStatus{}, apierrors.BadRequest("invalid attack request: %v", err)
	}
	if _, err := encoding.NewEncoder(s.problem.Schema, req.Reference); err != nil {
		return AttackStatus{}, apierrors.Wrap(err, "reference does not match the problem schema")
	}

	cfg := s.base
	if req.Class != nil {
		cfg.Objectives.Class = *req.Class
	}
	if req.Targeted {
		cfg.Objectives.Direction = objectives.Targeted
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	if req.Generations != nil {
		cfg.Generations = *req.Generations
	}
	if req.PopulationSize != nil {
		cfg.PopulationSize = *req.PopulationSize
	}
	if err := cfg.Validate(); err != nil {
		return AttackStatus{}, apierrors.Wrap(err, "invalid attack configuration").
			WithStatus(http.StatusBadRequest, apierrors.CodeBadRequest)
	}

	s.prune()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	now := s.now()
	state := &attackState{
		id:          id,
		status:      StatusPending,
		reference:   append([]float64(nil), req.Reference...),
		cfg:         cfg,
		createdAt:   now,
		lastUpdated: now,
		cancel:      cancel,
	}

	s.mu.Lock()
	s.attacks[id] = state
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runAttack(ctx, state)

	s.logger.Info("attack queued", logging.Fields{
		"attack_id":   id,
		"generations": cfg.Generations,
		"population":  cfg.PopulationSize,
		"class":       cfg.Objectives.Class,
	})
	return s.snapshot(state), nil
}

// Status returns the current state of an attack.
func (s *Server) Status(id string) (AttackStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.attacks[id]
	if !ok {
		return AttackStatus{}, apierrors.NotFound("attack %s not found", id)
	}
	return s.snapshotLocked(state), nil
}

// List returns every known attack, newest first, without fronts or results.
func (s *Server) List() []AttackStatus {
	s.mu.RLock()
	out := make([]AttackStatus, 0, len(s.attacks))
	for _, state := range s.attacks {
		st := s.snapshotLocked(state)
		st.Front, st.Result = nil, nil
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel requests cancellation of a pending or running attack. The job
// reaches the cancelled state once its current generation finishes.
func (s *Server) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.attacks[id]
	if !ok {
		return apierrors.NotFound("attack %s not found", id)
	}
	if state.status.terminal() {
		return apierrors.Errorf("cannot cancel attack with status %s", state.status).
			WithStatus(http.StatusConflict, apierrors.CodeConflict)
	}
	state.cancel()
	state.lastUpdated = s.now()

	s.logger.Info("attack cancellation requested", logging.Fields{"attack_id": id})
	return nil
}

func (s *Server) runAttack(ctx context.Context, state *attackState) {
	defer s.wg.Done()
	defer state.cancel()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		s.finish(state, nil, ctx.Err())
		return
	}

	logger := s.logger.WithFields(logging.Fields{"attack_id": state.id})
	engine, err := moeva.New(state.cfg, s.problem.Schema, s.problem.Constraints, s.scorer,
		moeva.WithLogger(logging.NewZapLogger(logger)),
		moeva.WithObserver(moeva.ObserverFunc(s.metrics.observer())),
		moeva.WithObserver(moeva.ObserverFunc(func(stats attack.GenerationStats) {
			s.mu.Lock()
			st := stats
			state.stats = &st
			state.lastUpdated = s.now()
			s.mu.Unlock()
		})),
	)
	if err != nil {
		s.finish(state, nil, err)
		return
	}

	now := s.now()
	s.mu.Lock()
	state.status = StatusRunning
	state.startTime = &now
	state.lastUpdated = now
	state.engine = engine
	s.mu.Unlock()
	s.metrics.AttacksRunning.Inc()
	res, err := engine.Attack(ctx, state.reference)
	s.metrics.AttacksRunning.Dec()
	s.finish(state, res, err)
}

func (s *Server) finish(state *attackState, res *attack.Result, err error) {
	if res == nil {
		res = attack.PartialResult(err)
	}

	var status Status
	switch {
	case err == nil:
		status = StatusCompleted
	case errors.Is(err, context.Canceled):
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	now := s.now()
	s.mu.RLock()
	started := state.createdAt
	if state.startTime != nil {
		started = *state.startTime
	}
	s.mu.RUnlock()

	// Metrics are recorded before the terminal status becomes visible.
	s.metrics.AttacksTotal.WithLabelValues(string(status)).Inc()
	s.metrics.AttackDuration.WithLabelValues(string(status)).Observe(now.Sub(started).Seconds())
	fields := logging.Fields{"attack_id": state.id, "status": status}
	if res != nil {
		s.metrics.FrontSize.Observe(float64(len(res.Front)))
		fields["generations"] = res.Generations
		fields["front_size"] = len(res.Front)
		fields["success"] = res.Success
		fields["reason"] = res.Reason
	}

	s.mu.Lock()
	state.status = status
	state.result = res
	state.err = err
	state.endTime = &now
	state.lastUpdated = now
	s.mu.Unlock()

	switch status {
	case StatusFailed:
		fields["error"] = err.Error()
		s.logger.Error("attack failed", fields)
	case StatusCancelled:
		s.logger.Info("attack cancelled", fields)
	default:
		if !res.Feasible {
			s.logger.Warn("attack finished without feasible candidates", fields)
		} else {
			s.logger.Info("attack completed", fields)
		}
	}
}

// prune drops finished attacks older than the retention window.
func (s *Server) prune() {
	if s.cfg.Attack.Retention <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cfg.Attack.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.attacks {
		if state.status.terminal() && state.endTime != nil && state.endTime.Before(cutoff) {
			delete(s.attacks, id)
		}
	}
}

func (s *Server) snapshot(state *attackState) AttackStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(state)
}

func (s *Server) snapshotLocked(state *attackState) AttackStatus {
	st := AttackStatus{
		ID:          state.id,
		Status:      state.status,
		Generations: state.cfg.Generations,
		CreatedAt:   state.createdAt,
		StartTime:   state.startTime,
		EndTime:     state.endTime,
		LastUpdated: state.lastUpdated,
		Result:      state.result,
	}
	if state.stats != nil {
		stats := *state.stats
		st.Stats = &stats
		st.Generation = stats.Generation
	}
	switch {
	case state.status == StatusCompleted:
		st.Progress = 1
	case st.Generations > 0:
		st.Progress = float64(st.Generation) / float64(st.Generations)
	}
	if state.result == nil && state.engine != nil {
		st.Front = state.engine.Front()
	}
	if state.err != nil {
		st.Error = state.err.Error()
	}
	return st
}

// Close cancels every attack and waits for their goroutines to return.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleStart handles POST /api/v1/attacks.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		apierrors.WriteJSON(w, apierrors.BadRequest("invalid request body: %v", err))
		return
	}

	st, err := s.Start(req)
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/attacks/"+st.ID)
	writeJSON(w, http.StatusAccepted, st)
}

// handleList handles GET /api/v1/attacks.
func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.List())
}

// handleStatus handles GET /api/v1/attacks/{id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(chi.URLParam(r, "id"))
	if err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCancel handles DELETE /api/v1/attacks/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Cancel(chi.URLParam(r, "id")); err != nil {
		apierrors.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

// ProblemInfo describes the loaded problem.
type ProblemInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Features    []string `json:"features"`
	Mutable     int      `json:"mutable"`
	Constraints []string `json:"constraints"`
}

// handleProblem handles GET /api/v1/problem.
func (s *Server) handleProblem(w http.ResponseWriter, _ *http.Request) {
	info := ProblemInfo{
		Name:        s.problem.Name,
		Description: s.problem.Description,
		Mutable:     s.problem.Schema.MutableCount(),
	}
	for _, f := range s.problem.Schema.Features {
		info.Features = append(info.Features, f.Name)
	}
	if s.problem.Constraints != nil {
		for _, c := range s.problem.Constraints.Constraints() {
			info.Constraints = append(info.Constraints, c.Name())
		}
	}
	writeJSON(w, http.StatusOK, info)
}
