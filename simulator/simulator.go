// Package simulator is an in-process stand-in for the job backend. Jobs
// complete after a random delay and may fail at random, which is enough to
// exercise the client end to end.
package simulator

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/yirzhou/pollster"
)

var _ pollster.Backend = (*Server)(nil)

type job struct {
	createdAt time.Time
	readyIn   time.Duration
	status    pollster.JobStatus
	metadata  map[string]any
}

// Server keeps simulated jobs in memory. It serves the HTTP protocol
// HTTPBackend speaks and also implements pollster.Backend directly.
type Server struct {
	minDelay         time.Duration
	maxDelay         time.Duration
	errorProbability float64
	clock            clock.Clock
	logger           hclog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	jobs map[string]*job
}

// Option configures a Server.
type Option func(*Server)

// WithDelay sets the range a job's completion delay is drawn from.
func WithDelay(minDelay, maxDelay time.Duration) Option {
	return func(s *Server) {
		s.minDelay = minDelay
		s.maxDelay = max(minDelay, maxDelay)
	}
}

// WithErrorProbability sets the chance that any status request fails the job.
func WithErrorProbability(p float64) Option {
	return func(s *Server) { s.errorProbability = p }
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithSeed makes the simulated delays and failures reproducible.
func WithSeed(seed uint64) Option {
	return func(s *Server) { s.rng = rand.New(rand.NewPCG(seed, seed)) }
}

func WithLogger(logger hclog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New returns a server whose jobs take 5 to 10 seconds and fail 10% of the
// time.
func New(opts ...Option) *Server {
	s := &Server{
		minDelay:         5 * time.Second,
		maxDelay:         10 * time.Second,
		errorProbability: 0.1,
		clock:            clock.New(),
		logger:           hclog.NewNullLogger(),
		rng:              rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		jobs:             make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new pending job and returns its id.
func (s *Server) Create(metadata map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	readyIn := s.minDelay
	if span := s.maxDelay - s.minDelay; span > 0 {
		readyIn += time.Duration(s.rng.Int64N(int64(span)))
	}
	s.jobs[id] = &job{
		createdAt: s.clock.Now(),
		readyIn:   readyIn,
		status:    pollster.StatusPending,
		metadata:  metadata,
	}
	s.logger.Debug("job created", "job_id", id, "ready_in", readyIn)
	return id
}

// Status reports the job's status, possibly failing or completing it.
func (s *Server) Status(id string) pollster.StatusResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return pollster.StatusResult{Result: pollster.StatusError, Message: "Job not found"}
	}
	if j.status.Terminal() {
		return result(j)
	}

	if s.rng.Float64() < s.errorProbability {
		j.status = pollster.StatusError
	} else if s.clock.Since(j.createdAt) >= j.readyIn {
		j.status = pollster.StatusCompleted
	}
	return result(j)
}

func result(j *job) pollster.StatusResult {
	if j.status == pollster.StatusError {
		return pollster.StatusResult{Result: pollster.StatusError, Message: "Translation failed"}
	}
	return pollster.StatusResult{Result: j.status}
}

func (s *Server) CreateJob(_ context.Context, metadata map[string]any) (pollster.JobHandle, error) {
	return pollster.JobHandle(s.Create(metadata)), nil
}

func (s *Server) GetStatus(_ context.Context, id pollster.JobHandle) (pollster.StatusResult, error) {
	return s.Status(string(id)), nil
}

// Handler serves POST /job and GET /status/{id}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /job", s.handleCreate)
	mux.HandleFunc("GET /status/{id}", s.handleStatus)
	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]any{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&metadata); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid metadata: " + err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": s.Create(metadata)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status(r.PathValue("id")))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
