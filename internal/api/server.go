// Package api exposes a read-only HTTP introspection surface over the
// Build Registry and Step Graph, in the teacher's chi-router style.
// Admission into the registry is driven entirely by the queue monitor;
// this package never mutates core state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/registry"
	"github.com/buildqueue/queuerunner/internal/telemetry"
)

// requestID is an adaptation of the teacher's uuid.New().String() job-id
// generator: rather than naming a queue entry, it tags each response with
// a trace id in the X-Request-Id header.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.New().String())
		next.ServeHTTP(w, r)
	})
}

// Server wires the introspection HTTP handlers.
type Server struct {
	registry *registry.Registry
	graph    *graph.Graph
}

// New constructs the introspection server.
func New(reg *registry.Registry, g *graph.Graph) *Server {
	return &Server{registry: reg, graph: g}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/builds", s.handleListBuilds)
	r.Get("/builds/{id}", s.handleGetBuild)
	r.Get("/steps/runnable", s.handleListRunnableSteps)
	r.Get("/steps/{drvPath}", s.handleGetStep)
	return r
}

type buildView struct {
	ID             int64  `json:"id"`
	DrvPath        string `json:"drv_path"`
	Project        string `json:"project"`
	Jobset         string `json:"jobset"`
	Job            string `json:"job"`
	GlobalPriority int    `json:"global_priority"`
	LocalPriority  int    `json:"local_priority"`
	ToplevelStep   string `json:"toplevel_step,omitempty"`
}

func toBuildView(b *registry.Build) buildView {
	v := buildView{
		ID: b.ID, DrvPath: b.DrvPath, Project: b.Project, Jobset: b.Jobset, Job: b.Job,
		GlobalPriority: b.GlobalPriority, LocalPriority: b.LocalPriority,
	}
	if b.Toplevel != nil {
		v.ToplevelStep = b.Toplevel.DrvPath
	}
	return v
}

func (s *Server) handleListBuilds(w http.ResponseWriter, _ *http.Request) {
	var out []buildView
	s.registry.Iterate(func(b *registry.Build) {
		out = append(out, toBuildView(b))
	})
	writeJSON(w, http.StatusOK, map[string]any{"builds": out, "count": s.registry.Len()})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := parseBuildID(idStr)
	if err != nil {
		http.Error(w, "invalid build id", http.StatusBadRequest)
		return
	}
	b, ok := s.registry.Get(id)
	if !ok {
		http.Error(w, "build not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toBuildView(b))
}

type stepView struct {
	DrvPath   string   `json:"drv_path"`
	Created   bool     `json:"created"`
	Runnable  bool     `json:"runnable"`
	DepCount  int      `json:"dep_count"`
	RDepCount int      `json:"rdep_count"`
	BuildIDs  []int64  `json:"build_ids"`
}

func (s *Server) handleListRunnableSteps(w http.ResponseWriter, _ *http.Request) {
	steps := s.graph.RunnableSteps()
	out := make([]stepView, 0, len(steps))
	for _, step := range steps {
		var ids []int64
		for _, b := range step.Builds() {
			ids = append(ids, b.BuildID())
		}
		out = append(out, stepView{
			DrvPath: step.DrvPath, Created: step.Created(), Runnable: step.Runnable(),
			DepCount: len(step.Deps()), RDepCount: len(step.RDeps()), BuildIDs: ids,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": out, "count": len(out)})
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	drvPath := chi.URLParam(r, "drvPath")
	step, ok := s.graph.Lookup(drvPath)
	if !ok {
		http.Error(w, "step not found", http.StatusNotFound)
		return
	}
	var ids []int64
	for _, b := range step.Builds() {
		ids = append(ids, b.BuildID())
	}
	writeJSON(w, http.StatusOK, stepView{
		DrvPath: step.DrvPath, Created: step.Created(), Runnable: step.Runnable(),
		DepCount: len(step.Deps()), RDepCount: len(step.RDeps()), BuildIDs: ids,
	})
}

func parseBuildID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
