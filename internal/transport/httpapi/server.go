package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"spellforge.gg/internal/hub"
	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/persistence/spellstore"
	"spellforge.gg/internal/pipeline"
	"spellforge.gg/internal/protocol"
	"spellforge.gg/internal/session"
	"spellforge.gg/internal/supervisor"
)

// Server exposes the control plane's HTTP surface: auth, matchmaking,
// world CRUD, spell/build APIs, health, metrics, and loopback-only
// admin endpoints.
type Server struct {
	sessions *session.Registry
	meta     *metadb.Store
	content  *spellstore.Store
	rooms    *hub.Hub
	worker   *pipeline.Worker
	sup      *supervisor.Supervisor
	log      *log.Logger
}

func NewServer(sessions *session.Registry, meta *metadb.Store, content *spellstore.Store, rooms *hub.Hub, worker *pipeline.Worker, sup *supervisor.Supervisor, logger *log.Logger) *Server {
	return &Server{
		sessions: sessions,
		meta:     meta,
		content:  content,
		rooms:    rooms,
		worker:   worker,
		sup:      sup,
		log:      logger,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/join", s.handleJoin)

	mux.HandleFunc("/worlds", s.handleWorlds)
	mux.HandleFunc("/world/", s.handleWorld)

	mux.HandleFunc("/api/spells", s.handleSpellList)
	mux.HandleFunc("/api/spells/", s.handleSpellSubtree)
	mux.HandleFunc("/api/jobs/", s.handleJob)

	mux.HandleFunc("/admin/servers", s.handleAdminServers)
	mux.HandleFunc("/admin/servers/", s.handleAdminServerStop)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, message string) {
	writeJSON(rw, status, map[string]string{"error": message})
}

// authorize resolves the Bearer token against the session registry.
func (s *Server) authorize(rw http.ResponseWriter, r *http.Request) (session.Session, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeError(rw, http.StatusUnauthorized, "Missing authorization")
		return session.Session{}, false
	}
	sess, err := s.sessions.Validate(strings.TrimPrefix(auth, "Bearer "))
	if err != nil {
		writeError(rw, http.StatusUnauthorized, "Invalid session")
		return session.Session{}, false
	}
	return sess, true
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"servers":  s.sup.Count(),
	})
}

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP spellforge_sessions Active authenticated sessions.\n")
	fmt.Fprintf(rw, "# TYPE spellforge_sessions gauge\n")
	fmt.Fprintf(rw, "spellforge_sessions %d\n", s.sessions.Count())

	fmt.Fprintf(rw, "# HELP spellforge_ws_clients Connected realtime clients.\n")
	fmt.Fprintf(rw, "# TYPE spellforge_ws_clients gauge\n")
	fmt.Fprintf(rw, "spellforge_ws_clients %d\n", s.rooms.ClientCount())

	fmt.Fprintf(rw, "# HELP spellforge_game_servers Supervised simulation processes.\n")
	fmt.Fprintf(rw, "# TYPE spellforge_game_servers gauge\n")
	fmt.Fprintf(rw, "spellforge_game_servers %d\n", s.sup.Count())

	worlds, err := s.meta.ListWorlds()
	if err != nil {
		return
	}
	fmt.Fprintf(rw, "# HELP spellforge_world_players Players currently joined per world.\n")
	fmt.Fprintf(rw, "# TYPE spellforge_world_players gauge\n")
	for _, w := range worlds {
		fmt.Fprintf(rw, "spellforge_world_players{world=%q} %d\n", w.WorldID, w.PlayerCount)
	}
	fmt.Fprintf(rw, "# HELP spellforge_world_ops Persisted terrain ops per world.\n")
	fmt.Fprintf(rw, "# TYPE spellforge_world_ops gauge\n")
	for _, w := range worlds {
		if n, err := s.meta.CountOps(w.WorldID); err == nil {
			fmt.Fprintf(rw, "spellforge_world_ops{world=%q} %d\n", w.WorldID, n)
		}
	}
}

func (s *Server) handleLogin(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	sess, err := s.sessions.Create(body.Username)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "session create failed")
		return
	}
	s.log.Printf("session created for %s (%s)", sess.Username, sess.ClientID)
	writeJSON(rw, http.StatusOK, map[string]string{
		"session_token": sess.Token,
		"client_id":     sess.ClientID,
		"username":      sess.Username,
	})
}

func (s *Server) handleSession(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.authorize(rw, r)
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{
		"client_id": sess.ClientID,
		"username":  sess.Username,
	})
}

// handleJoin is the matchmaking entrypoint: validate the session,
// create the world on demand, ensure its simulation process is ready,
// and hand back the connect coordinates.
func (s *Server) handleJoin(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sess, ok := s.authorize(rw, r)
	if !ok {
		return
	}

	var body struct {
		WorldID     string `json:"world_id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	worldID := body.WorldID
	if worldID == "" {
		name := body.Name
		if name == "" {
			name = "New World"
		}
		world, err := s.meta.CreateWorld(name, body.Description, sess.ClientID)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, "world create failed")
			return
		}
		worldID = world.WorldID
	} else {
		exists, err := s.meta.WorldExists(worldID)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, "lookup failed")
			return
		}
		if !exists {
			writeError(rw, http.StatusNotFound, fmt.Sprintf("World %s not found", worldID))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	handle, err := s.sup.EnsureRunning(ctx, worldID)
	if err != nil {
		s.log.Printf("ensure game server for %s: %v", worldID, err)
		writeError(rw, http.StatusServiceUnavailable, "Failed to start game server")
		return
	}

	writeJSON(rw, http.StatusOK, map[string]string{
		"server_address": handle.Address(),
		"session_token":  sess.Token,
		"client_id":      sess.ClientID,
		"world_id":       worldID,
	})
}

func (s *Server) handleWorlds(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		worlds, err := s.meta.ListWorlds()
		if err != nil {
			writeError(rw, http.StatusInternalServerError, "world list failed")
			return
		}
		for i := range worlds {
			worlds[i].Online = s.sup.IsRunning(worlds[i].WorldID)
		}
		writeJSON(rw, http.StatusOK, map[string]any{"worlds": worlds})
	case http.MethodPost:
		var body struct {
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if strings.TrimSpace(body.Name) == "" {
			writeError(rw, http.StatusBadRequest, "World name is required")
			return
		}
		world, err := s.meta.CreateWorld(strings.TrimSpace(body.Name), body.Description, "api")
		if err != nil {
			writeError(rw, http.StatusInternalServerError, "world create failed")
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"world": world})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorld(rw http.ResponseWriter, r *http.Request) {
	worldID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/world/"), "/")
	if worldID == "" || strings.Contains(worldID, "/") {
		http.NotFound(rw, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		world, err := s.meta.GetWorld(worldID)
		if err != nil {
			writeError(rw, http.StatusNotFound, "World not found")
			return
		}
		world.Online = s.sup.IsRunning(worldID)
		writeJSON(rw, http.StatusOK, map[string]any{"world": world})
	case http.MethodDelete:
		// Stop the simulation first so nothing writes to a deleted world.
		s.sup.Stop(worldID)
		if err := s.meta.DeleteWorld(worldID); err != nil {
			if errors.Is(err, metadb.ErrNotFound) {
				writeError(rw, http.StatusNotFound, "World not found")
			} else {
				writeError(rw, http.StatusInternalServerError, "delete failed")
			}
			return
		}
		s.log.Printf("world %s deleted", worldID)
		writeJSON(rw, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSpellList(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	spells, err := s.meta.ListSpells()
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "spell list failed")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"spells": spells})
}

// handleSpellSubtree routes /api/spells/{id}/... paths:
//
//	GET  /api/spells/{id}/revisions
//	GET  /api/spells/{id}/revisions/{rev}/manifest
//	GET  /api/spells/{id}/revisions/{rev}/files/{path...}
//	POST /api/spells/{id}/build
//	POST /api/spells/{id}/publish
func (s *Server) handleSpellSubtree(rw http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/spells/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 4)
	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(rw, r)
		return
	}
	spellID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "revisions" && r.Method == http.MethodGet:
		revs, err := s.meta.ListRevisions(spellID)
		if err != nil {
			writeError(rw, http.StatusInternalServerError, "revision list failed")
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"spell_id": spellID, "revisions": revs})

	case len(parts) == 4 && parts[1] == "revisions" && strings.HasPrefix(parts[3], "manifest") && r.Method == http.MethodGet:
		s.serveManifest(rw, spellID, parts[2])

	case len(parts) == 4 && parts[1] == "revisions" && strings.HasPrefix(parts[3], "files/") && r.Method == http.MethodGet:
		s.serveFile(rw, r, spellID, parts[2], strings.TrimPrefix(parts[3], "files/"))

	case len(parts) == 2 && parts[1] == "build" && r.Method == http.MethodPost:
		s.startBuild(rw, r, spellID)

	case len(parts) == 2 && parts[1] == "publish" && r.Method == http.MethodPost:
		s.publish(rw, r, spellID)

	default:
		http.NotFound(rw, r)
	}
}

func (s *Server) serveManifest(rw http.ResponseWriter, spellID, revisionID string) {
	manifest, err := s.content.ReadManifest(spellID, revisionID)
	if err != nil {
		writeError(rw, http.StatusNotFound, "Manifest not found")
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"spell_id":    spellID,
		"revision_id": revisionID,
		"manifest":    manifest,
	})
}

func (s *Server) serveFile(rw http.ResponseWriter, r *http.Request, spellID, revisionID, path string) {
	content, err := s.content.Read(spellID, revisionID, path)
	if err != nil {
		writeError(rw, http.StatusNotFound, "File not found")
		return
	}
	http.ServeContent(rw, r, path, time.Time{}, strings.NewReader(string(content)))
}

func (s *Server) startBuild(rw http.ResponseWriter, r *http.Request, spellID string) {
	if _, ok := s.authorize(rw, r); !ok {
		return
	}
	var body struct {
		Prompt  string `json:"prompt"`
		Code    string `json:"code"`
		Options struct {
			ParentRevisionID string                    `json:"parent_revision_id"`
			Metadata         protocol.ManifestMetadata `json:"metadata"`
		} `json:"options"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	exists, err := s.meta.SpellExists(spellID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "build start failed")
		return
	}
	if !exists {
		if _, err := s.meta.CreateSpell(spellID, ""); err != nil {
			writeError(rw, http.StatusInternalServerError, "build start failed")
			return
		}
	}

	jobID := "job_" + randomHex(6)
	job, err := s.meta.CreateJob(jobID, spellID, "")
	if err != nil {
		writeError(rw, http.StatusInternalServerError, "build start failed")
		return
	}
	s.worker.Enqueue(job.JobID, pipeline.BuildOptions{
		Prompt:           body.Prompt,
		Code:             body.Code,
		ParentRevisionID: body.Options.ParentRevisionID,
		Metadata:         body.Options.Metadata,
	})
	s.log.Printf("started build job %s for spell %s", job.JobID, spellID)
	writeJSON(rw, http.StatusOK, map[string]string{"job_id": job.JobID, "spell_id": spellID})
}

func (s *Server) publish(rw http.ResponseWriter, r *http.Request, spellID string) {
	if _, ok := s.authorize(rw, r); !ok {
		return
	}
	var body struct {
		RevisionID string `json:"revision_id"`
		Channel    string `json:"channel"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.RevisionID == "" {
		writeError(rw, http.StatusBadRequest, "revision_id required")
		return
	}
	channel := body.Channel
	if channel == "" {
		channel = protocol.ChannelBeta
	}
	if !protocol.IsChannel(channel) {
		writeError(rw, http.StatusBadRequest, "channel must be draft, beta, or stable")
		return
	}

	rev, err := s.meta.GetRevision(body.RevisionID)
	if err != nil || rev.SpellID != spellID {
		writeError(rw, http.StatusNotFound, "Revision not found")
		return
	}
	if err := s.meta.SetActiveRevision(spellID, channel, body.RevisionID); err != nil {
		writeError(rw, http.StatusInternalServerError, "publish failed")
		return
	}

	manifest := rev.Manifest
	if m, err := s.content.ReadManifest(spellID, body.RevisionID); err == nil {
		manifest = m
	}
	s.log.Printf("published %s revision %s to %s", spellID, body.RevisionID, channel)

	// Realtime clients learn about the channel move the same way they
	// would from a websocket publish.
	s.rooms.BroadcastAll(protocol.SpellActiveUpdateMsg{
		Type:       protocol.TypeSpellActiveUpdate,
		SpellID:    spellID,
		RevisionID: body.RevisionID,
		Channel:    channel,
		Manifest:   &manifest,
	})
	s.rooms.BroadcastAll(protocol.SpellRevisionReadyMsg{
		Type:       protocol.TypeSpellRevisionReady,
		SpellID:    spellID,
		RevisionID: body.RevisionID,
		Manifest:   &manifest,
	})

	writeJSON(rw, http.StatusOK, map[string]any{
		"spell_id":    spellID,
		"revision_id": body.RevisionID,
		"channel":     channel,
		"manifest":    manifest,
	})
}

func (s *Server) handleJob(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.NotFound(rw, r)
		return
	}
	job, err := s.meta.GetJob(jobID)
	if err != nil {
		writeError(rw, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(rw, http.StatusOK, job)
}

func (s *Server) handleAdminServers(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodGet {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	type serverInfo struct {
		WorldID string `json:"world_id"`
		Address string `json:"address"`
		Alive   bool   `json:"alive"`
	}
	handles := s.sup.Running()
	servers := make([]serverInfo, 0, len(handles))
	for _, h := range handles {
		servers = append(servers, serverInfo{WorldID: h.WorldID, Address: h.Address(), Alive: h.Alive()})
	}
	writeJSON(rw, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleAdminServerStop(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if r.Method != http.MethodDelete {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	worldID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/servers/"), "/")
	if worldID == "" {
		http.NotFound(rw, r)
		return
	}
	status := "not_found"
	if s.sup.Stop(worldID) {
		status = "stopped"
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": status})
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "000000000000"[:2*n]
	}
	return hex.EncodeToString(b)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
