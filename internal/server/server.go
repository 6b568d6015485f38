// Package server exposes collected report artifacts over HTTP so external
// systems (dashboards, CI frontends) can pull per-job results without
// filesystem access to the runner host.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"forgeci/internal/report"
)

// Server serves reports from an output directory.
type Server struct {
	outDir string
	logger *zap.Logger
}

// New creates a report server rooted at outDir.
func New(outDir string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{outDir: outDir, logger: logger}
}

// Router builds the HTTP surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/reports", s.handleListReports)
	r.Get("/api/reports/{job}", s.handleGetReport)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reportSummary is the list-view projection of a report artifact.
type reportSummary struct {
	Job    string `json:"job"`
	RunID  string `json:"run_id,omitempty"`
	Failed bool   `json:"failed"`
	Pass   int    `json:"pass"`
	Fail   int    `json:"fail"`
	Skip   int    `json:"skip"`
}

func (s *Server) handleListReports(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(filepath.Join(s.outDir, "reports"))
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []reportSummary{})
			return
		}
		s.logger.Error("failed to list reports", zap.Error(err))
		http.Error(w, "cannot list reports", http.StatusInternalServerError)
		return
	}

	summaries := make([]reportSummary, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rep, err := report.Load(filepath.Join(s.outDir, "reports", e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable report", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		pass, fail, skip := rep.Counts()
		summaries = append(summaries, reportSummary{
			Job:    rep.Job,
			RunID:  rep.RunID,
			Failed: rep.Failed,
			Pass:   pass,
			Fail:   fail,
			Skip:   skip,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Job < summaries[j].Job })
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	// Job names come from pipeline YAML; refuse anything path-like.
	if job == "" || strings.ContainsAny(job, "/\\.") {
		http.Error(w, "invalid job name", http.StatusBadRequest)
		return
	}
	rep, err := report.Load(filepath.Join(s.outDir, "reports", job+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "no report for job "+job, http.StatusNotFound)
			return
		}
		s.logger.Error("failed to load report", zap.String("job", job), zap.Error(err))
		http.Error(w, "cannot load report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
