package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spellforge.gg/internal/hub"
	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/persistence/spellstore"
	"spellforge.gg/internal/pipeline"
	"spellforge.gg/internal/session"
	"spellforge.gg/internal/supervisor"
)

type stubProc struct {
	lines chan string
}

func (p *stubProc) Lines() <-chan string      { return p.lines }
func (p *stubProc) Alive() bool               { return true }
func (p *stubProc) Terminate() error          { return nil }
func (p *stubProc) Kill() error               { return nil }
func (p *stubProc) Wait(d time.Duration) bool { return true }

type stubLauncher struct{}

func (stubLauncher) Launch(spec supervisor.LaunchSpec) (supervisor.Process, error) {
	p := &stubProc{lines: make(chan string, 4)}
	p.lines <- "TCP server listening on port 7777"
	return p, nil
}

func newTestAPI(t *testing.T) (*Server, *metadb.Store) {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadb.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("open metadb: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	logger := log.New(io.Discard, "", 0)
	content := spellstore.New(dir)
	rooms := hub.New(meta, nil, logger)
	worker := pipeline.NewWorker(meta, content, nil, logger)
	sessions := session.NewRegistry(4 * time.Hour)
	sup := supervisor.New(supervisor.Config{
		ReadyTimeout:  50 * time.Millisecond,
		ProbeTimeout:  100 * time.Millisecond,
		ProbeInterval: 5 * time.Millisecond,
	}, stubLauncher{}, logger)
	sup.SetDialer(func(addr string, timeout time.Duration) bool { return true })
	t.Cleanup(sup.Shutdown)

	return NewServer(sessions, meta, content, rooms, worker, sup, logger), meta
}

func doJSON(t *testing.T, s *Server, method, path, token string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	s.Register(mux)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var decoded map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func login(t *testing.T, s *Server) string {
	t.Helper()
	rec, body := doJSON(t, s, http.MethodPost, "/login", "", `{"username":"mira"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	token, _ := body["session_token"].(string)
	if token == "" {
		t.Fatal("login returned no session token")
	}
	return token
}

func TestLoginAndSessionInfo(t *testing.T) {
	s, _ := newTestAPI(t)
	token := login(t, s)

	rec, body := doJSON(t, s, http.MethodGet, "/session", token, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("session status = %d", rec.Code)
	}
	if body["username"] != "mira" {
		t.Fatalf("username = %v", body["username"])
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/session", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing auth status = %d, want 401", rec.Code)
	}
	rec, _ = doJSON(t, s, http.MethodGet, "/session", "garbage", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rec.Code)
	}
}

func TestJoinCreatesWorldAndServer(t *testing.T) {
	s, meta := newTestAPI(t)
	token := login(t, s)

	rec, body := doJSON(t, s, http.MethodPost, "/join", token, `{"name":"my island"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d: %v", rec.Code, body)
	}
	if body["server_address"] != "ws://127.0.0.1:7777" {
		t.Fatalf("server_address = %v", body["server_address"])
	}
	worldID, _ := body["world_id"].(string)
	if worldID == "" {
		t.Fatal("join returned no world_id")
	}
	if _, err := meta.GetWorld(worldID); err != nil {
		t.Fatalf("joined world not persisted: %v", err)
	}

	// Joining the same world reuses the running server.
	rec, body2 := doJSON(t, s, http.MethodPost, "/join", token, `{"world_id":"`+worldID+`"}`)
	if rec.Code != http.StatusOK || body2["world_id"] != worldID {
		t.Fatalf("rejoin = %d %v", rec.Code, body2)
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/join", token, `{"world_id":"world_missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown world join status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/join", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated join status = %d, want 401", rec.Code)
	}
}

func TestWorldCRUD(t *testing.T) {
	s, meta := newTestAPI(t)

	rec, body := doJSON(t, s, http.MethodPost, "/worlds", "", `{"name":"alpha","description":"first"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d", rec.Code)
	}
	world := body["world"].(map[string]any)
	worldID := world["world_id"].(string)

	rec, body = doJSON(t, s, http.MethodGet, "/worlds", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if worlds := body["worlds"].([]any); len(worlds) != 1 {
		t.Fatalf("worlds = %v", worlds)
	}

	rec, body = doJSON(t, s, http.MethodGet, "/world/"+worldID, "", "")
	if rec.Code != http.StatusOK || body["world"].(map[string]any)["name"] != "alpha" {
		t.Fatalf("get = %d %v", rec.Code, body)
	}

	rec, _ = doJSON(t, s, http.MethodDelete, "/world/"+worldID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if _, err := meta.GetWorld(worldID); err == nil {
		t.Fatal("world still present after delete")
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/world/"+worldID, "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/worlds", "", `{"name":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank name status = %d, want 400", rec.Code)
	}
}

func TestBuildEndpointRequiresAuth(t *testing.T) {
	s, meta := newTestAPI(t)

	rec, _ := doJSON(t, s, http.MethodPost, "/api/spells/fire_ball/build", "", `{}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated build status = %d, want 401", rec.Code)
	}

	token := login(t, s)
	rec, body := doJSON(t, s, http.MethodPost, "/api/spells/fire_ball/build", token, `{"prompt":"boom"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("build status = %d: %v", rec.Code, body)
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatal("no job_id returned")
	}

	rec, body = doJSON(t, s, http.MethodGet, "/api/jobs/"+jobID, "", "")
	if rec.Code != http.StatusOK || body["spell_id"] != "fire_ball" {
		t.Fatalf("job get = %d %v", rec.Code, body)
	}
	if ok, _ := meta.SpellExists("fire_ball"); !ok {
		t.Fatal("spell not auto-created")
	}

	rec, _ = doJSON(t, s, http.MethodGet, "/api/jobs/job_missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", rec.Code)
	}
}

func TestAdminEndpointsAreLoopbackOnly(t *testing.T) {
	s, _ := newTestAPI(t)
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/admin/servers", nil)
	req.RemoteAddr = "203.0.113.9:4444"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote admin status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/servers", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback admin status = %d, want 200", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if _, ok := body["servers"]; !ok {
		t.Fatalf("admin body = %v", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s, meta := newTestAPI(t)
	if _, err := meta.CreateWorld("alpha", "", "tester"); err != nil {
		t.Fatalf("create world: %v", err)
	}

	rec, body := doJSON(t, s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", rec.Code, body)
	}

	mux := http.NewServeMux()
	s.Register(mux)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req)
	text := rec2.Body.String()
	for _, metric := range []string{"spellforge_sessions", "spellforge_game_servers", "spellforge_world_players"} {
		if !strings.Contains(text, metric) {
			t.Fatalf("metrics output missing %s:\n%s", metric, text)
		}
	}
}
