package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/session"
	"github.com/maxdollinger/ember.io/internal/vm"
	"github.com/maxdollinger/ember.io/pkg/seccomp"
	"github.com/maxdollinger/ember.io/pkg/utils"
)

// server is the daemon's control surface on a local unix socket: the
// approval layer submits spawn requests here and monitoring reads pool
// statistics and the syscall-denial audit log.
type server struct {
	manager  *session.Manager
	pool     *pool.Pool
	audit    *seccomp.AuditLog
	template vm.VMConfig
	vsockDir string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

type spawnRequest struct {
	ID           string `json:"id,omitempty"`
	VCPU         int    `json:"vcpu,omitempty"`
	MemoryMB     int    `json:"memory_mb,omitempty"`
	SeccompLevel string `json:"seccomp_level,omitempty"`
	// EnableNetworking is accepted so the validation error reaches the
	// caller instead of being stripped at the edge.
	EnableNetworking bool `json:"enable_networking,omitempty"`
}

type spawnResponse struct {
	ID        string `json:"id"`
	VsockPath string `json:"vsock_path"`
	SpawnMS   int64  `json:"spawn_ms"`
	State     string `json:"state"`
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleSpawn)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDestroy)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /audit", s.handleAudit)
	return mux
}

func (s *server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	cfg := s.template
	cfg.ID = req.ID
	if cfg.ID == "" {
		id, err := utils.NewUUID7()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err)
			return
		}
		cfg.ID = id
	}
	if req.VCPU > 0 {
		cfg.VCPU = req.VCPU
	}
	if req.MemoryMB > 0 {
		cfg.MemoryMB = req.MemoryMB
	}
	cfg.NetworkEnabled = req.EnableNetworking
	cfg.VsockPath = filepath.Join(s.vsockDir, cfg.ID+".vsock")
	cfg.SeccompLevel = seccomp.LevelBasic
	if req.SeccompLevel != "" {
		level, err := seccomp.ParseLevel(req.SeccompLevel)
		if err != nil {
			httpError(w, http.StatusBadRequest, err)
			return
		}
		cfg.SeccompLevel = level
	}

	sess, err := s.manager.Start(r.Context(), cfg)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, vm.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		httpError(w, status, err)
		return
	}

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	handle := sess.Handle()
	writeJSON(w, http.StatusCreated, spawnResponse{
		ID:        sess.ID(),
		VsockPath: handle.VsockPath,
		SpawnMS:   handle.SpawnLatency.Milliseconds(),
		State:     string(sess.State()),
	})
}

func (s *server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		httpError(w, http.StatusNotFound, fmt.Errorf("unknown session %s", id))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := sess.Destroy(ctx); err != nil {
		// The session is destroyed; the error reports residue needing
		// operator follow-up.
		writeJSON(w, http.StatusOK, map[string]string{
			"state":   string(sess.State()),
			"cleanup": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(sess.State())})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    s.audit.Total(),
		"retained": s.audit.Snapshot(),
	})
}

// serve listens on the control socket until ctx is done.
func (s *server) serve(ctx context.Context, socketPath string) error {
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}

	srv := &http.Server{Handler: s.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("control socket listening", "path", socketPath)
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// destroyAll tears down every live session during shutdown.
func (s *server) destroyAll(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.Destroy(ctx); err != nil {
			s.logger.Warn("session teardown incomplete", "vm_id", sess.ID(), "error", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
