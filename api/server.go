package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/crateport/crateport/publish"
	"github.com/crateport/crateport/storage"
	"github.com/crateport/crateport/store"
)

// Server wires the protocol endpoints over the pipeline and stores.
type Server struct {
	registry  *store.Registry
	pipeline  *publish.Pipeline
	blobs     storage.Store
	metrics   *Metrics
	bodyLimit int64
	log       *slog.Logger
}

// NewServer builds the API server. bodyLimit bounds publish bodies.
func NewServer(registry *store.Registry, pipeline *publish.Pipeline, blobs storage.Store,
	metrics *Metrics, bodyLimit int64, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		registry:  registry,
		pipeline:  pipeline,
		blobs:     blobs,
		metrics:   metrics,
		bodyLimit: bodyLimit,
		log:       log.With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	auth := s.requireToken
	mux.HandleFunc("PUT /api/v1/crates/new", s.metrics.instrument("publish", auth(s.handlePublish)))
	mux.HandleFunc("GET /api/v1/crates", s.metrics.instrument("search", auth(s.handleSearch)))
	mux.HandleFunc("GET /api/v1/crates/{name}/{version}/download",
		s.metrics.instrument("download", auth(s.handleDownload)))
	mux.HandleFunc("DELETE /api/v1/crates/{name}/{version}/yank",
		s.metrics.instrument("yank", auth(s.handleYank(true))))
	mux.HandleFunc("PUT /api/v1/crates/{name}/{version}/unyank",
		s.metrics.instrument("unyank", auth(s.handleYank(false))))
	mux.HandleFunc("GET /api/v1/crates/{name}/owners",
		s.metrics.instrument("owners_list", auth(s.handleListOwners)))
	mux.HandleFunc("PUT /api/v1/crates/{name}/owners",
		s.metrics.instrument("owners_add", auth(s.handleChangeOwners(true))))
	mux.HandleFunc("DELETE /api/v1/crates/{name}/owners",
		s.metrics.instrument("owners_remove", auth(s.handleChangeOwners(false))))
	mux.HandleFunc("GET /docs/", s.metrics.instrument("docs", auth(s.handleDocs)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	token := tokenFrom(r.Context())
	body := http.MaxBytesReader(w, r.Body, s.bodyLimit)
	defer body.Close()

	payload, err := publish.ParsePayload(body, s.bodyLimit)
	if err != nil {
		s.metrics.ObservePublish("invalid")
		writeError(w, err)
		return
	}
	result, err := s.pipeline.Publish(r.Context(), token, payload)
	if err != nil {
		s.metrics.ObservePublish(publishOutcome(err))
		writeError(w, err)
		return
	}
	s.metrics.ObservePublish("success")
	writeJSON(w, http.StatusOK, result)
}

func publishOutcome(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return "error"
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name, version := r.PathValue("name"), r.PathValue("version")

	// Only published versions are downloadable; an archive without a
	// committed metadata row must stay unreachable.
	v, err := s.registry.GetVersion(r.Context(), name, version)
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := s.blobs.Get(r.Context(), storage.CrateKey(v.PackageName, v.Version))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("download interrupted", "package", name, "version", version, "error", err)
		return
	}
	s.metrics.ObserveDownload()
	if err := s.registry.IncrementDownloads(r.Context(), v.ID); err != nil {
		s.log.Warn("record download", "package", name, "error", err)
	}
}

func (s *Server) handleYank(yanked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r.Context())
		name, version := r.PathValue("name"), r.PathValue("version")
		if err := s.pipeline.SetYanked(r.Context(), token, name, version, yanked); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

type searchResponse struct {
	Crates []store.SearchResult `json:"crates"`
	Meta   struct {
		Total int `json:"total"`
	} `json:"meta"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	perPage := 10
	if raw := r.URL.Query().Get("per_page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeErrorMsg(w, http.StatusBadRequest, "per_page must be an integer between 1 and 100")
			return
		}
		perPage = n
	}

	results, total, err := s.registry.Search(r.Context(), q, perPage)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := searchResponse{Crates: results}
	if resp.Crates == nil {
		resp.Crates = []store.SearchResult{}
	}
	resp.Meta.Total = total
	writeJSON(w, http.StatusOK, resp)
}

type ownerUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

func (s *Server) handleListOwners(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.registry.GetPackage(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	owners, err := s.registry.ListOwners(r.Context(), pkg.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	users := make([]ownerUser, 0, len(owners))
	for _, u := range owners {
		users = append(users, ownerUser{Login: u.Login, Name: u.Login})
	}
	writeJSON(w, http.StatusOK, map[string][]ownerUser{"users": users})
}

type ownersChangeRequest struct {
	Users []string `json:"users"`
}

type okMsgResponse struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

// handleChangeOwners adds or removes owners. The caller must hold a
// write-scoped token and be an owner themselves.
func (s *Server) handleChangeOwners(add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFrom(r.Context())
		ctx := r.Context()

		pkg, err := s.registry.GetPackage(ctx, r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		if !token.CanWrite {
			writeErrorMsg(w, http.StatusForbidden, "token has no write scope")
			return
		}
		isOwner, err := s.registry.IsOwner(ctx, pkg.ID, token.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !isOwner {
			writeErrorMsg(w, http.StatusForbidden, "only owners may change ownership")
			return
		}

		var req ownersChangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorMsg(w, http.StatusBadRequest, "malformed owners request")
			return
		}
		if len(req.Users) == 0 {
			writeErrorMsg(w, http.StatusBadRequest, "owners request names no users")
			return
		}

		for _, login := range req.Users {
			user, err := s.registry.GetUserByLogin(ctx, login)
			if err != nil {
				writeError(w, fmt.Errorf("user %q: %w", login, err))
				return
			}
			if add {
				err = s.registry.AddOwner(ctx, pkg.ID, user.ID)
			} else {
				err = s.registry.RemoveOwner(ctx, pkg.ID, user.ID)
			}
			if err != nil {
				writeError(w, err)
				return
			}
		}

		verb := "added to"
		if !add {
			verb = "removed from"
		}
		writeJSON(w, http.StatusOK, okMsgResponse{
			OK:  true,
			Msg: fmt.Sprintf("users %s have been %s %s", strings.Join(req.Users, ", "), verb, pkg.Name),
		})
	}
}

// handleDocs streams rendered documentation files from storage.
func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/docs/")
	if rel == "" || strings.Contains(rel, "..") {
		writeErrorMsg(w, http.StatusBadRequest, "invalid docs path")
		return
	}
	rc, err := s.blobs.Get(r.Context(), "docs/"+rel)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	if strings.HasSuffix(rel, ".html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	}
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.QueuedBuilds(r.Context()); err != nil {
		writeErrorMsg(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
