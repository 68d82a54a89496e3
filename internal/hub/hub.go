package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"spellforge.gg/internal/persistence/castlog"
	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/protocol"
)

var ErrNotJoined = errors.New("hub: connection has not joined a world")

// Conn is the hub's view of one realtime client. Send must not block;
// it reports false when the peer's queue is full or closed.
type Conn interface {
	ID() string
	Send(payload []byte) bool
}

// Hub tracks which connection is in which world room and fans world
// events out to room members. Room membership is the single source of
// truth for routing; persistence of ops happens before any fan-out so
// a reconnecting client always replays what others already saw.
type Hub struct {
	meta    *metadb.Store
	castLog *castlog.Logger
	log     *log.Logger

	mu      sync.Mutex
	rooms   map[string]map[string]Conn // worldID -> connID -> conn
	conns   map[string]Conn
	members map[string]string          // connID -> worldID
	appends map[string]*sync.Mutex     // worldID -> append serializer
}

func New(meta *metadb.Store, castLog *castlog.Logger, logger *log.Logger) *Hub {
	return &Hub{
		meta:    meta,
		castLog: castLog,
		log:     logger,
		rooms:   make(map[string]map[string]Conn),
		conns:   make(map[string]Conn),
		members: make(map[string]string),
		appends: make(map[string]*sync.Mutex),
	}
}

// Register makes the connection known to the hub. It belongs to no
// room until Join.
func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Join moves the connection into the world's room, leaving any previous
// room first. Membership in at most one room is atomic under the hub
// lock. Returns the joined world record.
func (h *Hub) Join(c Conn, worldID string) (protocol.World, error) {
	world, err := h.meta.GetWorld(worldID)
	if err != nil {
		return protocol.World{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.members[c.ID()]; ok && prev != worldID {
		h.removeFromRoomLocked(c.ID(), prev)
		delete(h.members, c.ID())
		if err := h.meta.AdjustPlayerCount(prev, -1); err != nil && !errors.Is(err, metadb.ErrNotFound) {
			h.log.Printf("player count decrement for %s: %v", prev, err)
		}
	}
	if h.members[c.ID()] != worldID {
		// The world can be deleted between the read above and here, so
		// the increment doubles as an existence check: no row means no
		// membership.
		if err := h.meta.AdjustPlayerCount(worldID, 1); err != nil {
			if errors.Is(err, metadb.ErrNotFound) {
				return protocol.World{}, err
			}
			h.log.Printf("player count increment for %s: %v", worldID, err)
		}
		if h.rooms[worldID] == nil {
			h.rooms[worldID] = make(map[string]Conn)
		}
		h.rooms[worldID][c.ID()] = c
		h.members[c.ID()] = worldID
	}
	return world, nil
}

// ReplayOps streams the world's full op log to one connection as a
// single sync_ops message, or sync_complete when the log is empty.
func (h *Hub) ReplayOps(c Conn, worldID string) error {
	ops, err := h.meta.ListOps(worldID)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return h.sendJSON(c, protocol.SyncCompleteMsg{
			Type:    protocol.TypeSyncComplete,
			WorldID: worldID,
			Message: "World is empty",
		})
	}
	flat := make([]protocol.OpData, 0, len(ops))
	for _, op := range ops {
		flat = append(flat, op.OpData)
	}
	return h.sendJSON(c, protocol.SyncOpsMsg{
		Type:    protocol.TypeSyncOps,
		WorldID: worldID,
		Ops:     flat,
		Total:   len(flat),
	})
}

// Leave removes the connection from its room, if any. Idempotent.
// Returns the world left, or nil.
func (h *Hub) Leave(c Conn) *string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(c.ID())
}

func (h *Hub) leaveLocked(connID string) *string {
	worldID, ok := h.members[connID]
	if !ok {
		return nil
	}
	delete(h.members, connID)
	h.removeFromRoomLocked(connID, worldID)
	if err := h.meta.AdjustPlayerCount(worldID, -1); err != nil && !errors.Is(err, metadb.ErrNotFound) {
		h.log.Printf("player count decrement for %s: %v", worldID, err)
	}
	return &worldID
}

func (h *Hub) removeFromRoomLocked(connID, worldID string) {
	if room, ok := h.rooms[worldID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(h.rooms, worldID)
		}
	}
}

// Disconnect performs leave semantics exactly once and forgets the
// connection.
func (h *Hub) Disconnect(c Conn) {
	h.mu.Lock()
	if _, known := h.conns[c.ID()]; known {
		delete(h.conns, c.ID())
		h.leaveLocked(c.ID())
	}
	h.mu.Unlock()
}

// appendLock returns the mutex serializing appends for one world.
func (h *Hub) appendLock(worldID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.appends[worldID]
	if !ok {
		m = &sync.Mutex{}
		h.appends[worldID] = m
	}
	return m
}

// AppendOp persists the op for worldID, records it in the audit log,
// and fans apply_op out to the room. excludeConnID skips the sender
// (empty string excludes nobody, the legacy path). Persistence failure
// aborts the broadcast. The per-world lock is held across persist and
// fan-out so room members see ops in log append order; Send never
// blocks, so enqueuing under the lock cannot stall an appender.
func (h *Hub) AppendOp(worldID string, op protocol.OpData, excludeConnID string) (int64, error) {
	lock := h.appendLock(worldID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := h.meta.AppendOp(worldID, op)
	if err != nil {
		return 0, fmt.Errorf("append op for %s: %w", worldID, err)
	}
	payload, _ := json.Marshal(op)
	if err := h.castLog.WriteOp(castlog.OpEntry{WorldID: worldID, Seq: seq, OpType: op.Op, Payload: payload}); err != nil {
		h.log.Printf("event log op: %v", err)
	}
	h.broadcastRoom(worldID, excludeConnID, protocol.ApplyOpMsg{
		Type:    protocol.TypeApplyOp,
		WorldID: worldID,
		Op:      op,
	})
	return seq, nil
}

// BroadcastCast stamps the cast event with a fresh seed and timestamp
// and delivers it to every room member, the caster included. Every
// client rolls the same randomness from the shared seed.
func (h *Hub) BroadcastCast(worldID string, ev protocol.SpellCastEventMsg) protocol.SpellCastEventMsg {
	ev.Type = protocol.TypeSpellCastEvent
	ev.WorldID = worldID
	ev.Seed = rand.Int31()
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	if err := h.castLog.WriteCast(castlog.CastEntry{WorldID: worldID, SpellID: ev.SpellID, RevisionID: ev.RevisionID, CasterID: ev.CasterID, Seed: ev.Seed}); err != nil {
		h.log.Printf("event log cast: %v", err)
	}
	h.broadcastRoom(worldID, "", ev)
	return ev
}

// BroadcastRoom sends an arbitrary message to every member of a world
// room.
func (h *Hub) BroadcastRoom(worldID string, msg any) {
	h.broadcastRoom(worldID, "", msg)
}

// BroadcastAll sends the message to every registered connection,
// joined to a world or not. Build progress uses this path.
func (h *Hub) BroadcastAll(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Printf("broadcast marshal: %v", err)
		return
	}
	h.mu.Lock()
	targets := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if !c.Send(payload) {
			h.log.Printf("dropping broadcast to slow conn %s", c.ID())
		}
	}
}

func (h *Hub) broadcastRoom(worldID, excludeConnID string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Printf("room broadcast marshal: %v", err)
		return
	}
	h.mu.Lock()
	targets := make([]Conn, 0, len(h.rooms[worldID]))
	for id, c := range h.rooms[worldID] {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		if !c.Send(payload) {
			h.log.Printf("dropping room message to slow conn %s", c.ID())
		}
	}
}

func (h *Hub) sendJSON(c Conn, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !c.Send(payload) {
		return fmt.Errorf("hub: send to %s failed", c.ID())
	}
	return nil
}

// WorldOf reports the room the connection currently occupies.
func (h *Hub) WorldOf(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	worldID, ok := h.members[connID]
	return worldID, ok
}

// RoomSize reports how many connections occupy the world's room.
func (h *Hub) RoomSize(worldID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[worldID])
}

// ClientCount reports the total registered connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
