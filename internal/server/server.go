// ============================================================================
// Reference Dispatch Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: A small in-process backend speaking the same REST and WebSocket
//           contract as production, for demos and end-to-end tests.
//
// Claims:
//   PATCH /requests/{id}/accept takes a per-job lock (memory or Redis SET NX).
//   The first caller wins and the lock is kept; every later caller gets 409.
//   The winner is announced to all connected mechanics as job_taken.
//
// Offers:
//   Publish (or POST /requests) stores a pending job and broadcasts new_job
//   to every available mechanic with expires_at = now + OfferTTL.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/internal/offerstore"
	"github.com/ChuLiYu/motofix-dispatch/internal/transport"
	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var log = slog.Default()

const maxBody = 1 << 20

type Config struct {
	OfferTTL     time.Duration
	ClaimLockTTL time.Duration // how long a won claim stays locked
}

// MechanicInfo is what the server knows about a mechanic.
type MechanicInfo struct {
	ID        types.MechanicID
	Name      string
	Available bool
	Latitude  float64
	Longitude float64
	LastSeen  time.Time
	Connects  int // stream connections accepted so far
}

type jobRecord struct {
	job        types.Job
	phone      string
	expiresAt  time.Time
	assignee   *types.Mechanic
	eta        int
	rejectedBy map[types.MechanicID]bool
}

// Server is the reference backend.
type Server struct {
	cfg      Config
	auth     *Auth
	locker   Locker
	hub      *Hub
	upgrader websocket.Upgrader
	now      func() time.Time

	mu        sync.RWMutex
	jobs      map[types.JobID]*jobRecord
	mechanics map[types.MechanicID]*MechanicInfo
	nextID    int64
}

// New creates a server. A nil locker means in-memory claim locks.
func New(cfg Config, auth *Auth, locker Locker) *Server {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 45 * time.Second
	}
	if cfg.ClaimLockTTL <= 0 {
		cfg.ClaimLockTTL = 24 * time.Hour
	}
	if auth == nil {
		auth = NewAuth("")
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Server{
		cfg:    cfg,
		auth:   auth,
		locker: locker,
		hub:    NewHub(),
		upgrader: websocket.Upgrader{
			// mobile clients send no Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now:       time.Now,
		jobs:      make(map[types.JobID]*jobRecord),
		mechanics: make(map[types.MechanicID]*MechanicInfo),
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get(transport.StreamPath, s.stream)
	r.Post("/requests", s.create)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)
		r.Use(s.touch)

		r.Get("/requests/{id}", s.getJob)
		r.Patch("/requests/{id}/accept", s.accept)
		r.Patch("/requests/{id}/reject", s.reject)
		r.Patch("/requests/{id}/status", s.updateStatus)
		r.Get("/requests/{id}/call-partner", s.callPartner)

		r.Get("/mechanics/me/current-job", s.currentJob)
		r.Patch("/mechanics/me/availability", s.availability)
		r.Post("/mechanics/me/location", s.location)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("Dispatch server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.hub.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("Dispatch server stopped")
	return nil
}

// ============================================================================
// Offers
// ============================================================================

// Publish stores job as pending and broadcasts it to available mechanics.
// An empty ID is assigned. It returns the stored job and its deadline.
func (s *Server) Publish(job types.Job, phone string) (types.Job, time.Time, error) {
	now := s.now()
	expires := now.Add(s.cfg.OfferTTL)

	s.mu.Lock()
	if job.ID == "" {
		s.nextID++
		job.ID = types.JobID(strconv.FormatInt(s.nextID, 10))
	}
	if _, dup := s.jobs[job.ID]; dup {
		s.mu.Unlock()
		return types.Job{}, time.Time{}, fmt.Errorf("job %s already exists", job.ID)
	}
	job.Status = types.StatusPending
	if job.CreatedAt == "" {
		job.CreatedAt = now.UTC().Format(time.RFC3339)
	}
	s.jobs[job.ID] = &jobRecord{job: job, phone: phone, expiresAt: expires, rejectedBy: make(map[types.MechanicID]bool)}
	s.mu.Unlock()

	frame, err := transport.EncodeNewJob(job, expires)
	if err != nil {
		return types.Job{}, time.Time{}, err
	}
	n := s.hub.Broadcast(frame, s.isAvailable)
	log.Info("Offer published", "job_id", job.ID, "recipients", n, "expires_at", expires)
	return job, expires, nil
}

// Job returns a stored job.
func (s *Server) Job(id types.JobID) (types.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return types.Job{}, false
	}
	return rec.job, true
}

// Assignee returns who holds job id, if anyone.
func (s *Server) Assignee(id types.JobID) (types.Mechanic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok || rec.assignee == nil {
		return types.Mechanic{}, false
	}
	return *rec.assignee, true
}

// Mechanic returns the registry entry for id.
func (s *Server) Mechanic(id types.MechanicID) (MechanicInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mechanics[id]
	if !ok {
		return MechanicInfo{}, false
	}
	return *m, true
}

// SetStatus forces a job's status, as an operator would from a dashboard.
func (s *Server) SetStatus(id types.JobID, status types.AssignmentStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if ok {
		rec.job.Status = status
	}
	return ok
}

// mechanics never seen are available
func (s *Server) isAvailable(id types.MechanicID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mechanics[id]
	return !ok || m.Available
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.ClientCount()})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	m, err := s.auth.Identify(r)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, err.Error())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Upgrade failed", "error", err)
		return
	}
	s.hub.Add(conn, m.ID)
	s.register(m, true)
}

type createRequest struct {
	types.Job
	Phone string `json:"phone"`
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	job, expires, err := s.Publish(req.Job, req.Phone)
	if err != nil {
		writeDetail(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"job": job, "expires_at": expires.UTC().Format(time.RFC3339Nano)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.Job(types.JobID(chi.URLParam(r, "id")))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type acceptRequest struct {
	MechanicName string `json:"mechanic_name"`
	ETAMinutes   int    `json:"eta_minutes"`
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	me := caller(r)

	var req acceptRequest
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if me.Name == "" {
		me.Name = req.MechanicName
	}

	if _, ok := s.Job(id); !ok {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}

	token, err := s.locker.TryLock(r.Context(), string(id), s.cfg.ClaimLockTTL)
	if errors.Is(err, ErrLockHeld) {
		log.Info("Claim rejected, already taken", "job_id", id, "mechanic_id", me.ID)
		writeDetail(w, http.StatusConflict, "Job already accepted by another mechanic")
		return
	}
	if err != nil {
		log.Error("Claim lock failed", "job_id", id, "error", err)
		writeDetail(w, http.StatusServiceUnavailable, "claim lock unavailable")
		return
	}

	now := s.now()
	s.mu.Lock()
	rec := s.jobs[id]
	var status int
	var msg string
	switch {
	case rec.job.Status != types.StatusPending:
		status, msg = http.StatusConflict, "Job already accepted by another mechanic"
	case !now.Before(rec.expiresAt):
		status, msg = http.StatusGone, "Offer expired"
	default:
		rec.job.Status = types.StatusAccepted
		rec.assignee = &me
		rec.eta = req.ETAMinutes
	}
	job := rec.job
	s.mu.Unlock()

	if status != 0 {
		if err := s.locker.Unlock(r.Context(), string(id), token); err != nil {
			log.Warn("Claim unlock failed", "job_id", id, "error", err)
		}
		writeDetail(w, status, msg)
		return
	}

	log.Info("Job claimed", "job_id", id, "mechanic_id", me.ID)
	if frame, err := transport.EncodeJobTaken(id, me, req.ETAMinutes, now); err == nil {
		s.hub.Broadcast(frame, nil)
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	s.mu.Lock()
	rec, ok := s.jobs[id]
	if ok {
		rec.rejectedBy[caller(r).ID] = true
	}
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	var req struct {
		Status types.AssignmentStatus `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	switch {
	case !ok:
		writeDetail(w, http.StatusNotFound, "Job not found")
		return
	case rec.assignee == nil || rec.assignee.ID != caller(r).ID:
		writeDetail(w, http.StatusForbidden, "Job is not assigned to you")
		return
	case rec.job.Status == req.Status:
		// retried write
	default:
		next, ok := offerstore.NextStatus(rec.job.Status)
		if !ok || next != req.Status {
			writeDetail(w, http.StatusUnprocessableEntity, fmt.Sprintf("cannot move from %s to %s", rec.job.Status, req.Status))
			return
		}
		rec.job.Status = req.Status
		log.Info("Job status updated", "job_id", id, "status", req.Status)
	}
	writeJSON(w, http.StatusOK, rec.job)
}

func (s *Server) callPartner(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	s.mu.RLock()
	rec, ok := s.jobs[id]
	var phone string
	mine := ok && rec.assignee != nil && rec.assignee.ID == caller(r).ID
	if mine {
		phone = rec.phone
	}
	s.mu.RUnlock()
	switch {
	case !ok:
		writeDetail(w, http.StatusNotFound, "Job not found")
	case !mine:
		writeDetail(w, http.StatusForbidden, "Job is not assigned to you")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"phone": phone})
	}
}

func (s *Server) currentJob(w http.ResponseWriter, r *http.Request) {
	me := caller(r).ID
	s.mu.RLock()
	var found *types.Job
	for _, rec := range s.jobs {
		if rec.assignee == nil || rec.assignee.ID != me {
			continue
		}
		if _, active := offerstore.NextStatus(rec.job.Status); active {
			job := rec.job
			found = &job
			break
		}
	}
	s.mu.RUnlock()
	if found == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) availability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Available *bool `json:"is_available"`
	}
	if err := decode(r, &req); err != nil || req.Available == nil {
		writeDetail(w, http.StatusBadRequest, "is_available is required")
		return
	}
	s.mu.Lock()
	m := s.mechanics[caller(r).ID]
	m.Available = *req.Available
	s.mu.Unlock()
	log.Info("Availability changed", "mechanic_id", m.ID, "available", *req.Available)
	writeJSON(w, http.StatusOK, map[string]bool{"is_available": *req.Available})
}

func (s *Server) location(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := decode(r, &req); err != nil || req.Latitude == nil || req.Longitude == nil {
		writeDetail(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	s.mu.Lock()
	m := s.mechanics[caller(r).ID]
	m.Latitude, m.Longitude = *req.Latitude, *req.Longitude
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Mechanic registry
// ============================================================================

// touch records the caller in the registry before the handler runs.
func (s *Server) touch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.register(caller(r), false)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) register(m types.Mechanic, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.mechanics[m.ID]
	if !ok {
		info = &MechanicInfo{ID: m.ID, Available: true}
		s.mechanics[m.ID] = info
	}
	if m.Name != "" {
		info.Name = m.Name
	}
	info.LastSeen = s.now()
	if connected {
		info.Connects++
	}
}

// ============================================================================
// Helpers
// ============================================================================

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid body: %w", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Write response failed", "error", err)
	}
}

// writeDetail writes a FastAPI-style error body.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
