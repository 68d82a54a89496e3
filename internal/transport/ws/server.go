package ws

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spellforge.gg/internal/hub"
	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/persistence/spellstore"
	"spellforge.gg/internal/pipeline"
	"spellforge.gg/internal/protocol"
	"spellforge.gg/internal/session"
)

const (
	writeTimeout = 5 * time.Second
	readTimeout  = 60 * time.Second
	outQueueSize = 64
)

// Runner reports whether a world has a live simulation process. Used
// to flag worlds online in listings.
type Runner interface {
	IsRunning(worldID string) bool
}

type Server struct {
	sessions *session.Registry
	meta     *metadb.Store
	content  *spellstore.Store
	rooms    *hub.Hub
	worker   *pipeline.Worker
	runner   Runner // may be nil
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(sessions *session.Registry, meta *metadb.Store, content *spellstore.Store, rooms *hub.Hub, worker *pipeline.Worker, runner Runner, logger *log.Logger) *Server {
	return &Server{
		sessions: sessions,
		meta:     meta,
		content:  content,
		rooms:    rooms,
		worker:   worker,
		runner:   runner,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// wsConn adapts one websocket peer to the hub. Send never blocks; a
// full queue drops the message and the peer is expected to resync.
type wsConn struct {
	id  string
	out chan []byte

	once   sync.Once
	closed chan struct{}
}

func newWSConn(id string) *wsConn {
	return &wsConn{id: id, out: make(chan []byte, outQueueSize), closed: make(chan struct{})}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() { c.once.Do(func() { close(c.closed) }) }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		clientID, authErr := s.identify(r)
		if authErr != nil {
			payload, _ := json.Marshal(protocol.ErrorMsg{
				Type:    protocol.TypeError,
				Code:    protocol.ErrAuth,
				Message: authErr.Error(),
			})
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.TextMessage, payload)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session"),
				time.Now().Add(time.Second))
			return
		}

		c := newWSConn(clientID)
		s.rooms.Register(c)
		defer func() {
			c.close()
			s.rooms.Disconnect(c)
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		s.sendJSON(c, protocol.ConnectedMsg{
			Type:       protocol.TypeConnected,
			ClientID:   clientID,
			ServerTime: time.Now().UTC().Format(time.RFC3339),
		})
		s.log.Printf("client connected: %s", clientID)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.dispatch(c, msg)
		}
		s.log.Printf("client disconnected: %s", clientID)
	}
}

// identify resolves the connecting client. A token query parameter is
// validated against the session registry; no token means an anonymous
// guest connection.
func (s *Server) identify(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return "conn_" + randomHex(6), nil
	}
	sess, err := s.sessions.Validate(token)
	if err != nil {
		return "", errors.New("invalid or expired session token")
	}
	return sess.ClientID, nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "000000000000"[:2*n]
	}
	return hex.EncodeToString(b)
}

func (s *Server) dispatch(c *wsConn, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	switch base.Type {
	case protocol.TypeWorldJoin:
		s.handleWorldJoin(c, msg)
	case protocol.TypeWorldLeave:
		s.handleWorldLeave(c)
	case protocol.TypeWorldList:
		s.handleWorldList(c)
	case protocol.TypeWorldGet:
		s.handleWorldGet(c, msg)
	case protocol.TypeWorldCreate:
		s.handleWorldCreate(c, msg)
	case protocol.TypeSpellCreateDraft:
		s.handleSpellCreateDraft(c, msg)
	case protocol.TypeSpellStartBuild:
		s.handleSpellStartBuild(c, msg)
	case protocol.TypeSpellPublish:
		s.handleSpellPublish(c, msg)
	case protocol.TypeSpellList:
		s.handleSpellList(c)
	case protocol.TypeSpellGetRevisions:
		s.handleSpellGetRevisions(c, msg)
	case protocol.TypeSpellCastRequest:
		s.handleSpellCastRequest(c, msg)
	case protocol.TypeContentGetManifest:
		s.handleContentGetManifest(c, msg)
	case protocol.TypeContentGetFile:
		s.handleContentGetFile(c, msg)
	case protocol.TypeContentListFiles:
		s.handleContentListFiles(c, msg)
	case protocol.TypeRequestSpell:
		s.handleRequestSpell(c, msg)
	case protocol.TypeClearWorld:
		s.handleClearWorld(c)
	case protocol.TypePing:
		s.handlePing(c)
	default:
		s.sendError(c, protocol.ErrBadRequest, fmt.Sprintf("unknown message type: %s", base.Type))
	}
}

func (s *Server) handleWorldJoin(c *wsConn, msg []byte) {
	var req protocol.WorldJoinMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.WorldID == "" {
		s.sendError(c, protocol.ErrValidation, "world_id is required")
		return
	}
	if _, err := s.rooms.Join(c, req.WorldID); err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			s.sendError(c, protocol.ErrNotFound, fmt.Sprintf("World %s not found", req.WorldID))
		} else {
			s.sendError(c, protocol.ErrInternal, "join failed")
		}
		return
	}

	// Re-fetch so the confirmation carries the updated player count.
	world, err := s.meta.GetWorld(req.WorldID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "join failed")
		return
	}
	world.Online = s.isRunning(world.WorldID)
	s.sendJSON(c, protocol.WorldJoinedMsg{Type: protocol.TypeWorldJoined, WorldID: req.WorldID, World: world})

	if err := s.rooms.ReplayOps(c, req.WorldID); err != nil {
		s.log.Printf("replay ops for %s: %v", req.WorldID, err)
	}
}

func (s *Server) handleWorldLeave(c *wsConn) {
	left := s.rooms.Leave(c)
	s.sendJSON(c, protocol.WorldLeftMsg{Type: protocol.TypeWorldLeft, LeftWorldID: left})
}

func (s *Server) handleWorldList(c *wsConn) {
	worlds, err := s.meta.ListWorlds()
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "world list failed")
		return
	}
	for i := range worlds {
		worlds[i].Online = s.isRunning(worlds[i].WorldID)
	}
	s.sendJSON(c, protocol.WorldListResultMsg{Type: protocol.TypeWorldListResult, Worlds: worlds})
}

func (s *Server) handleWorldGet(c *wsConn, msg []byte) {
	var req protocol.WorldGetMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.WorldID == "" {
		s.sendError(c, protocol.ErrValidation, "world_id is required")
		return
	}
	world, err := s.meta.GetWorld(req.WorldID)
	if err != nil {
		s.sendError(c, protocol.ErrNotFound, fmt.Sprintf("World %s not found", req.WorldID))
		return
	}
	world.Online = s.isRunning(world.WorldID)
	s.sendJSON(c, protocol.WorldInfoMsg{Type: protocol.TypeWorldInfo, World: world})
}

func (s *Server) handleWorldCreate(c *wsConn, msg []byte) {
	var req protocol.WorldCreateMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.sendError(c, protocol.ErrValidation, "World name is required")
		return
	}
	if len(name) > 50 {
		s.sendError(c, protocol.ErrValidation, "World name must be 50 characters or less")
		return
	}
	world, err := s.meta.CreateWorld(name, req.Description, c.ID())
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "world create failed")
		return
	}
	s.log.Printf("world created: %s %q by %s", world.WorldID, name, c.ID())
	s.sendJSON(c, protocol.WorldCreatedMsg{Type: protocol.TypeWorldCreated, World: world})

	if worlds, err := s.meta.ListWorlds(); err == nil {
		for i := range worlds {
			worlds[i].Online = s.isRunning(worlds[i].WorldID)
		}
		s.rooms.BroadcastAll(protocol.WorldListResultMsg{Type: protocol.TypeWorldListUpdated, Worlds: worlds})
	}
}

func (s *Server) handleSpellCreateDraft(c *wsConn, msg []byte) {
	var req protocol.SpellCreateDraftMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	spellID := req.SpellID
	if spellID == "" {
		spellID = "spell_" + randomHex(4)
	}
	created := false
	exists, err := s.meta.SpellExists(spellID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "draft create failed")
		return
	}
	if !exists {
		if _, err := s.meta.CreateSpell(spellID, ""); err != nil {
			s.sendError(c, protocol.ErrInternal, "draft create failed")
			return
		}
		created = true
		s.log.Printf("created spell %s", spellID)
	}
	spell, err := s.meta.GetSpell(spellID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "draft create failed")
		return
	}
	s.sendJSON(c, protocol.SpellDraftCreatedMsg{
		Type:    protocol.TypeSpellDraftCreated,
		SpellID: spellID,
		Created: created,
		Spell:   spell,
	})
}

func (s *Server) handleSpellStartBuild(c *wsConn, msg []byte) {
	var req protocol.SpellStartBuildMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	if req.SpellID == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id is required")
		return
	}
	exists, err := s.meta.SpellExists(req.SpellID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "build start failed")
		return
	}
	if !exists {
		if _, err := s.meta.CreateSpell(req.SpellID, ""); err != nil {
			s.sendError(c, protocol.ErrInternal, "build start failed")
			return
		}
	}

	jobID := "job_" + randomHex(6)
	if _, err := s.meta.CreateJob(jobID, req.SpellID, ""); err != nil {
		s.sendError(c, protocol.ErrInternal, "build start failed")
		return
	}
	s.worker.Enqueue(jobID, pipeline.BuildOptions{
		Prompt:           req.Prompt,
		Code:             req.Code,
		ParentRevisionID: req.Options.ParentRevisionID,
		Metadata:         req.Options.Metadata,
	})
	s.log.Printf("started build job %s for spell %s", jobID, req.SpellID)
	s.sendJSON(c, protocol.SpellBuildStartedMsg{
		Type:    protocol.TypeSpellBuildStarted,
		JobID:   jobID,
		SpellID: req.SpellID,
	})
}

func (s *Server) handleSpellPublish(c *wsConn, msg []byte) {
	var req protocol.SpellPublishMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	if req.SpellID == "" || req.RevisionID == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id and revision_id are required")
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = protocol.ChannelBeta
	}
	if !protocol.IsChannel(channel) {
		s.sendError(c, protocol.ErrValidation, "channel must be draft, beta, or stable")
		return
	}

	rev, err := s.meta.GetRevision(req.RevisionID)
	if err != nil || rev.SpellID != req.SpellID {
		s.sendError(c, protocol.ErrNotFound, fmt.Sprintf("Revision %s not found", req.RevisionID))
		return
	}
	if err := s.meta.SetActiveRevision(req.SpellID, channel, req.RevisionID); err != nil {
		s.sendError(c, protocol.ErrInternal, "publish failed")
		return
	}

	manifest := rev.Manifest
	if m, err := s.content.ReadManifest(req.SpellID, req.RevisionID); err == nil {
		manifest = m
	}
	s.log.Printf("published %s revision %s to %s", req.SpellID, req.RevisionID, channel)

	s.rooms.BroadcastAll(protocol.SpellActiveUpdateMsg{
		Type:       protocol.TypeSpellActiveUpdate,
		SpellID:    req.SpellID,
		RevisionID: req.RevisionID,
		Channel:    channel,
		Manifest:   &manifest,
	})
	s.rooms.BroadcastAll(protocol.SpellRevisionReadyMsg{
		Type:       protocol.TypeSpellRevisionReady,
		SpellID:    req.SpellID,
		RevisionID: req.RevisionID,
		Manifest:   &manifest,
	})
}

func (s *Server) handleSpellList(c *wsConn) {
	spells, err := s.meta.ListSpells()
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "spell list failed")
		return
	}
	s.sendJSON(c, protocol.SpellListResultMsg{Type: protocol.TypeSpellListResult, Spells: spells})
}

func (s *Server) handleSpellGetRevisions(c *wsConn, msg []byte) {
	var req protocol.SpellGetRevisionsMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.SpellID == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id is required")
		return
	}
	revs, err := s.meta.ListRevisions(req.SpellID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "revision list failed")
		return
	}
	s.sendJSON(c, protocol.SpellRevisionsResultMsg{
		Type:      protocol.TypeSpellRevisionsResult,
		SpellID:   req.SpellID,
		Revisions: revs,
	})
}

func (s *Server) handleSpellCastRequest(c *wsConn, msg []byte) {
	var req protocol.SpellCastRequestMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	worldID, joined := s.rooms.WorldOf(c.ID())
	if !joined {
		s.sendJSON(c, protocol.SpellCastRejectedMsg{
			Type:    protocol.TypeSpellCastRejected,
			SpellID: req.SpellID,
			Error:   "Must join a world first",
		})
		return
	}
	if req.SpellID == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id is required")
		return
	}
	exists, err := s.meta.SpellExists(req.SpellID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "cast failed")
		return
	}
	if !exists {
		s.sendJSON(c, protocol.SpellCastRejectedMsg{
			Type:    protocol.TypeSpellCastRejected,
			SpellID: req.SpellID,
			Error:   "Spell not found",
		})
		return
	}

	revisionID := req.RevisionID
	if revisionID == "" {
		spell, err := s.meta.GetSpell(req.SpellID)
		if err != nil {
			s.sendError(c, protocol.ErrInternal, "cast failed")
			return
		}
		switch {
		case spell.ActiveBetaRev != "":
			revisionID = spell.ActiveBetaRev
		case spell.ActiveStableRev != "":
			revisionID = spell.ActiveStableRev
		}
	}
	if revisionID == "" {
		s.sendJSON(c, protocol.SpellCastRejectedMsg{
			Type:    protocol.TypeSpellCastRejected,
			SpellID: req.SpellID,
			Error:   "No active revision found",
		})
		return
	}

	s.log.Printf("cast: %s rev %s by %s in world %s", req.SpellID, revisionID, c.ID(), worldID)
	s.rooms.BroadcastCast(worldID, protocol.SpellCastEventMsg{
		SpellID:    req.SpellID,
		RevisionID: revisionID,
		CasterID:   c.ID(),
		CastParams: req.CastParams,
	})
}

func (s *Server) handleContentGetManifest(c *wsConn, msg []byte) {
	var req protocol.ContentGetManifestMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.SpellID == "" || req.RevisionID == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id and revision_id are required")
		return
	}
	manifest, err := s.content.ReadManifest(req.SpellID, req.RevisionID)
	if err != nil {
		s.sendError(c, protocol.ErrNotFound, fmt.Sprintf("Manifest not found for %s/%s", req.SpellID, req.RevisionID))
		return
	}
	s.sendJSON(c, protocol.ContentManifestMsg{
		Type:       protocol.TypeContentManifest,
		SpellID:    req.SpellID,
		RevisionID: req.RevisionID,
		Manifest:   &manifest,
	})
}

func (s *Server) handleContentGetFile(c *wsConn, msg []byte) {
	var req protocol.ContentGetFileMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.SpellID == "" || req.RevisionID == "" || req.Path == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id, revision_id, and path are required")
		return
	}
	content, err := s.content.Read(req.SpellID, req.RevisionID, req.Path)
	if err != nil {
		s.sendError(c, protocol.ErrNotFound, fmt.Sprintf("File not found: %s", req.Path))
		return
	}
	s.sendJSON(c, protocol.ContentFileMsg{
		Type:       protocol.TypeContentFile,
		SpellID:    req.SpellID,
		RevisionID: req.RevisionID,
		Path:       req.Path,
		Content:    base64.StdEncoding.EncodeToString(content),
		Size:       len(content),
	})
}

func (s *Server) handleContentListFiles(c *wsConn, msg []byte) {
	var req protocol.ContentGetManifestMsg
	if err := json.Unmarshal(msg, &req); err != nil || req.SpellID == "" || req.RevisionID == "" {
		s.sendError(c, protocol.ErrValidation, "spell_id and revision_id are required")
		return
	}
	files, err := s.content.List(req.SpellID, req.RevisionID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "file list failed")
		return
	}
	s.sendJSON(c, protocol.ContentFilesListMsg{
		Type:       protocol.TypeContentFilesList,
		SpellID:    req.SpellID,
		RevisionID: req.RevisionID,
		Files:      files,
	})
}

// handleRequestSpell serves the legacy terrain-edit path: a named edit
// is compiled into a world op, persisted, and broadcast to the whole
// room including the sender.
func (s *Server) handleRequestSpell(c *wsConn, msg []byte) {
	var req protocol.RequestSpellMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendError(c, protocol.ErrBadRequest, "malformed message")
		return
	}
	worldID, joined := s.rooms.WorldOf(c.ID())
	if !joined {
		s.sendJSON(c, protocol.SpellRejectedMsg{Type: protocol.TypeSpellRejected, Error: "Must join a world first"})
		return
	}

	op, err := compileLegacySpell(req.Spell)
	if err != nil {
		s.sendJSON(c, protocol.SpellRejectedMsg{Type: protocol.TypeSpellRejected, Error: err.Error()})
		return
	}
	if _, err := s.rooms.AppendOp(worldID, op, ""); err != nil {
		s.sendError(c, protocol.ErrInternal, "op apply failed")
		return
	}
	s.log.Printf("applied legacy op %s in world %s", op.Op, worldID)
}

func compileLegacySpell(spell protocol.LegacySpellBody) (protocol.OpData, error) {
	center := protocol.Vec3{}
	if spell.Center != nil {
		center = *spell.Center
	}
	switch spell.Type {
	case "create_land":
		radius := 8.0
		if spell.Radius != nil {
			radius = *spell.Radius
		}
		material := 1
		if spell.MaterialID != nil {
			material = *spell.MaterialID
		}
		return protocol.OpData{Op: "add_sphere", Center: center, Radius: radius, MaterialID: &material}, nil
	case "dig":
		radius := 6.0
		if spell.Radius != nil {
			radius = *spell.Radius
		}
		return protocol.OpData{Op: "subtract_sphere", Center: center, Radius: radius}, nil
	default:
		return protocol.OpData{}, fmt.Errorf("Unknown spell type: %s", spell.Type)
	}
}

func (s *Server) handleClearWorld(c *wsConn) {
	worldID, joined := s.rooms.WorldOf(c.ID())
	if !joined {
		s.sendError(c, protocol.ErrValidation, "Must join a world first")
		return
	}
	cleared, err := s.meta.ClearOps(worldID)
	if err != nil {
		s.sendError(c, protocol.ErrInternal, "clear failed")
		return
	}
	s.log.Printf("world %s cleared (%d ops)", worldID, cleared)
	s.rooms.BroadcastRoom(worldID, protocol.WorldClearedMsg{Type: protocol.TypeWorldCleared, WorldID: worldID})
}

func (s *Server) handlePing(c *wsConn) {
	worldID, _ := s.rooms.WorldOf(c.ID())
	ops := 0
	if worldID != "" {
		if n, err := s.meta.CountOps(worldID); err == nil {
			ops = n
		}
	}
	s.sendJSON(c, protocol.PongMsg{
		Type:    protocol.TypePong,
		Clients: s.rooms.ClientCount(),
		WorldID: worldID,
		Ops:     ops,
	})
}

func (s *Server) isRunning(worldID string) bool {
	return s.runner != nil && s.runner.IsRunning(worldID)
}

func (s *Server) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal %T: %v", v, err)
		return
	}
	if !c.Send(b) {
		s.log.Printf("dropping message to %s", c.ID())
	}
}

func (s *Server) sendError(c *wsConn, code, message string) {
	s.sendJSON(c, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}
