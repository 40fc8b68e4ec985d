package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fruitsalade/resources/internal/events"
	"github.com/fruitsalade/resources/internal/logging"
	"github.com/fruitsalade/resources/internal/metrics"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/workspace"
)

type server struct {
	ws          *workspace.Workspace
	broadcaster *events.Broadcaster
}

func newServer(ws *workspace.Workspace, broadcaster *events.Broadcaster) *server {
	return &server{ws: ws, broadcaster: broadcaster}
}

// Handler returns the daemon's HTTP routes.
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /tree", s.handleTree)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /build", s.handleBuild)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"projects":    len(s.ws.Projects()),
		"subscribers": s.broadcaster.Count(),
	})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Tree ───────────────────────────────────────────────────────────────────

type treeEntry struct {
	Path     string            `json:"path"`
	Kind     string            `json:"kind"`
	Linked   bool              `json:"linked,omitempty"`
	Derived  bool              `json:"derived,omitempty"`
	Hidden   bool              `json:"hidden,omitempty"`
	Missing  bool              `json:"missing,omitempty"`
	Charset  string            `json:"charset,omitempty"`
	Hash     string            `json:"hash,omitempty"`
	Markers  int               `json:"markers,omitempty"`
	Props    map[string]string `json:"properties,omitempty"`
	ModStamp int64             `json:"mod_stamp"`
}

func (s *server) handleTree(w http.ResponseWriter, r *http.Request) {
	p, depth, ok := pathAndDepth(w, r, resource.DepthOne)
	if !ok {
		return
	}
	flags := resource.MemberFlag(0)
	if r.URL.Query().Get("hidden") == "true" {
		flags |= resource.IncludeHidden | resource.IncludeTeamPrivate
	}
	var out []treeEntry
	err := s.ws.Accept(p, depth, flags, func(q resource.Path, kind resource.Kind, info *resource.ElementInfo) bool {
		out = append(out, treeEntry{
			Path:     q.String(),
			Kind:     kind.String(),
			Linked:   info.Has(resource.FlagLinked),
			Derived:  info.Has(resource.FlagDerived),
			Hidden:   info.Has(resource.FlagHidden),
			Missing:  kind != resource.Root && !info.Has(resource.FlagLocalExists),
			Charset:  info.Charset,
			Hash:     info.ContentHash,
			Markers:  len(info.Markers),
			Props:    info.Properties,
			ModStamp: info.ModStamp,
		})
		return true
	})
	if err != nil {
		sendResourceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, out)
}

// ─── Refresh & Build ────────────────────────────────────────────────────────

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	p, depth, ok := pathAndDepth(w, r, resource.DepthInfinite)
	if !ok {
		return
	}
	if r.URL.Query().Get("background") == "true" {
		job, err := s.ws.RefreshInBackground(p, depth)
		if err != nil {
			sendResourceError(w, err)
			return
		}
		sendJSON(w, http.StatusAccepted, map[string]string{"job": job.ID})
		return
	}
	if err := s.ws.Refresh(r.Context(), p, depth); err != nil {
		sendResourceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleBuild(w http.ResponseWriter, r *http.Request) {
	kind := notify.IncrementalBuild
	switch r.URL.Query().Get("kind") {
	case "", "incremental":
	case "full":
		kind = notify.FullBuild
	case "clean":
		kind = notify.CleanBuild
	default:
		sendError(w, http.StatusBadRequest, "unknown build kind")
		return
	}
	if err := s.ws.Build(r.Context(), kind); err != nil {
		sendResourceError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func pathAndDepth(w http.ResponseWriter, r *http.Request, def resource.Depth) (resource.Path, resource.Depth, bool) {
	q := r.URL.Query()
	raw := q.Get("path")
	if raw == "" {
		raw = "/"
	}
	p, err := resource.ParsePath(raw)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return "", 0, false
	}
	depth := def
	if d := q.Get("depth"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < int(resource.DepthZero) || n > int(resource.DepthInfinite) {
			sendError(w, http.StatusBadRequest, "depth must be 0, 1 or 2")
			return "", 0, false
		}
		depth = resource.Depth(n)
	}
	return p, depth, true
}

func sendResourceError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, resource.ErrNotFound), errors.Is(err, resource.ErrMarkerNotFound):
		code = http.StatusNotFound
	case errors.Is(err, resource.ErrInvalidPath), errors.Is(err, resource.ErrInvalidKind),
		errors.Is(err, resource.ErrInvalidOperation):
		code = http.StatusBadRequest
	case errors.Is(err, resource.ErrProjectClosed), errors.Is(err, resource.ErrOutOfSync),
		errors.Is(err, resource.ErrAlreadyExists):
		code = http.StatusConflict
	case errors.Is(err, resource.ErrWorkspaceClosed), errors.Is(err, resource.ErrCanceled),
		errors.Is(err, resource.ErrReentrancy):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		logging.Error("request failed", zap.Error(err))
	}
	sendError(w, code, err.Error())
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]any{"error": message, "code": code})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
