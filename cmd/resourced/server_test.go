package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/fruitsalade/resources/internal/events"
	"github.com/fruitsalade/resources/internal/notify"
	"github.com/fruitsalade/resources/internal/resource"
	"github.com/fruitsalade/resources/internal/workspace"
)

func newTestServer(t *testing.T) (*workspace.Workspace, http.Handler) {
	t.Helper()
	ws, err := workspace.Open(context.Background(), workspace.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close(context.Background()) })

	ctx := context.Background()
	p := resource.RootPath.Append("P")
	if err := ws.CreateProject(ctx, p, nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if err := ws.OpenProject(ctx, p); err != nil {
		t.Fatalf("OpenProject: %v", err)
	}
	if err := ws.CreateFile(ctx, p.Append("a.txt"), []byte("hello"), 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	return ws, newServer(ws, events.NewBroadcaster(0)).Handler()
}

func TestServer_Tree(t *testing.T) {
	_, h := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tree?path=/P", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var entries []treeEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var found bool
	for _, e := range entries {
		if e.Path == "/P/a.txt" {
			found = true
			if e.Kind != "file" || e.Hash == "" {
				t.Errorf("a.txt entry = %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("a.txt missing from %+v", entries)
	}
}

func TestServer_TreeErrors(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		url  string
		code int
	}{
		{"/tree?path=/missing", http.StatusNotFound},
		{"/tree?path=relative", http.StatusBadRequest},
		{"/tree?path=/P&depth=7", http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
		if rec.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.url, rec.Code, tt.code)
		}
	}
}

func TestServer_RefreshAndBuild(t *testing.T) {
	_, h := newTestServer(t)

	for _, url := range []string{"/refresh?path=/P", "/build?kind=full"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("POST %s = %d, body %s", url, rec.Code, rec.Body)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/build?kind=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus build kind = %d", rec.Code)
	}
}

func TestConsole_PrintsChanges(t *testing.T) {
	color.NoColor = true
	ws, _ := newTestServer(t)

	var out bytes.Buffer
	ws.AddListener(newConsole(&out), notify.PostChange)
	if err := ws.CreateFolder(context.Background(), resource.Path("/P/src"), 0); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if got := out.String(); !strings.Contains(got, "+ /P/src") {
		t.Fatalf("console output = %q", got)
	}
}

func TestSendResourceError_StatusCodes(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{resource.NewError("create", "/P/a", resource.ErrAlreadyExists), http.StatusConflict},
		{resource.NewError("create", "/P/a", resource.ErrReentrancy), http.StatusServiceUnavailable},
		{resource.NewError("refresh", "/P", resource.ErrWorkspaceClosed), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		sendResourceError(rec, tt.err)
		if rec.Code != tt.code {
			t.Errorf("sendResourceError(%v) = %d, want %d", tt.err, rec.Code, tt.code)
		}
	}
}
