package hub

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/protocol"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	sent [][]byte
	full bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sent = append(c.sent, buf)
	return true
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("unmarshal sent message: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) lastType(t *testing.T) string {
	t.Helper()
	msgs := c.messages(t)
	if len(msgs) == 0 {
		return ""
	}
	typ, _ := msgs[len(msgs)-1]["type"].(string)
	return typ
}

func newTestHub(t *testing.T) (*Hub, *metadb.Store) {
	t.Helper()
	meta, err := metadb.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open metadb: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	return New(meta, nil, log.New(io.Discard, "", 0)), meta
}

func mustWorld(t *testing.T, meta *metadb.Store, name string) protocol.World {
	t.Helper()
	w, err := meta.CreateWorld(name, "", "tester")
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	return w
}

func TestJoinMovesBetweenRooms(t *testing.T) {
	h, meta := newTestHub(t)
	w1 := mustWorld(t, meta, "alpha")
	w2 := mustWorld(t, meta, "beta")

	c := &fakeConn{id: "conn_1"}
	h.Register(c)

	if _, err := h.Join(c, w1.WorldID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got, _ := h.WorldOf("conn_1"); got != w1.WorldID {
		t.Fatalf("WorldOf = %q, want %q", got, w1.WorldID)
	}

	if _, err := h.Join(c, w2.WorldID); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if h.RoomSize(w1.WorldID) != 0 {
		t.Fatalf("old room size = %d, want 0", h.RoomSize(w1.WorldID))
	}
	if h.RoomSize(w2.WorldID) != 1 {
		t.Fatalf("new room size = %d, want 1", h.RoomSize(w2.WorldID))
	}

	old, err := meta.GetWorld(w1.WorldID)
	if err != nil {
		t.Fatalf("get world: %v", err)
	}
	if old.PlayerCount != 0 {
		t.Fatalf("old world player count = %d, want 0", old.PlayerCount)
	}
}

func TestJoinUnknownWorld(t *testing.T) {
	h, _ := newTestHub(t)
	c := &fakeConn{id: "conn_1"}
	h.Register(c)
	if _, err := h.Join(c, "world_missing"); err == nil {
		t.Fatal("expected error for unknown world")
	}
}

func TestReplayOps(t *testing.T) {
	h, meta := newTestHub(t)
	w := mustWorld(t, meta, "alpha")

	c := &fakeConn{id: "conn_1"}
	h.Register(c)

	if err := h.ReplayOps(c, w.WorldID); err != nil {
		t.Fatalf("replay empty: %v", err)
	}
	if got := c.lastType(t); got != protocol.TypeSyncComplete {
		t.Fatalf("empty world replay type = %q, want %q", got, protocol.TypeSyncComplete)
	}

	for i := 0; i < 3; i++ {
		op := protocol.OpData{Op: "add_sphere", Center: protocol.Vec3{X: float64(i)}, Radius: 2}
		if _, err := h.AppendOp(w.WorldID, op, ""); err != nil {
			t.Fatalf("append op: %v", err)
		}
	}

	if err := h.ReplayOps(c, w.WorldID); err != nil {
		t.Fatalf("replay: %v", err)
	}
	msgs := c.messages(t)
	last := msgs[len(msgs)-1]
	if last["type"] != protocol.TypeSyncOps {
		t.Fatalf("replay type = %v, want %q", last["type"], protocol.TypeSyncOps)
	}
	ops, ok := last["ops"].([]any)
	if !ok || len(ops) != 3 {
		t.Fatalf("replay ops = %v, want 3 entries", last["ops"])
	}
}

func TestAppendOpExcludesSender(t *testing.T) {
	h, meta := newTestHub(t)
	w := mustWorld(t, meta, "alpha")

	sender := &fakeConn{id: "conn_sender"}
	peer := &fakeConn{id: "conn_peer"}
	for _, c := range []*fakeConn{sender, peer} {
		h.Register(c)
		if _, err := h.Join(c, w.WorldID); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	op := protocol.OpData{Op: "subtract_sphere", Center: protocol.Vec3{X: 1, Y: 2, Z: 3}, Radius: 6}
	seq, err := h.AppendOp(w.WorldID, op, sender.ID())
	if err != nil {
		t.Fatalf("append op: %v", err)
	}
	if seq != 1 {
		t.Fatalf("seq = %d, want 1", seq)
	}
	if got := len(sender.messages(t)); got != 0 {
		t.Fatalf("sender received %d messages, want 0", got)
	}
	if got := peer.lastType(t); got != protocol.TypeApplyOp {
		t.Fatalf("peer last type = %q, want %q", got, protocol.TypeApplyOp)
	}

	// Legacy path excludes nobody.
	if _, err := h.AppendOp(w.WorldID, op, ""); err != nil {
		t.Fatalf("append legacy op: %v", err)
	}
	if got := sender.lastType(t); got != protocol.TypeApplyOp {
		t.Fatalf("sender last type = %q, want %q", got, protocol.TypeApplyOp)
	}
}

func TestConcurrentAppendsDeliverInLogOrder(t *testing.T) {
	h, meta := newTestHub(t)
	w := mustWorld(t, meta, "alpha")

	member := &fakeConn{id: "conn_member"}
	h.Register(member)
	if _, err := h.Join(member, w.WorldID); err != nil {
		t.Fatalf("join: %v", err)
	}

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				op := protocol.OpData{
					Op:     "add_sphere",
					Center: protocol.Vec3{X: float64(writer), Y: float64(j)},
					Radius: 1,
				}
				if _, err := h.AppendOp(w.WorldID, op, ""); err != nil {
					t.Errorf("append op: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	ops, err := meta.ListOps(w.WorldID)
	if err != nil {
		t.Fatalf("list ops: %v", err)
	}
	if len(ops) != writers*perWriter {
		t.Fatalf("log length = %d, want %d", len(ops), writers*perWriter)
	}
	msgs := member.messages(t)
	if len(msgs) != len(ops) {
		t.Fatalf("delivered %d messages, want %d", len(msgs), len(ops))
	}
	for i, msg := range msgs {
		op, _ := msg["op"].(map[string]any)
		center, _ := op["center"].(map[string]any)
		x, _ := center["x"].(float64)
		y, _ := center["y"].(float64)
		want := ops[i].OpData.Center
		if x != want.X || y != want.Y {
			t.Fatalf("delivery order diverges from log at %d: got (%v,%v), log has (%v,%v)",
				i, x, y, want.X, want.Y)
		}
	}
}

func TestJoinRejectsWorldDeletedMidJoin(t *testing.T) {
	h, meta := newTestHub(t)
	w := mustWorld(t, meta, "alpha")

	c := &fakeConn{id: "conn_1"}
	h.Register(c)

	// Hold the hub lock so the join reads the world row and then parks
	// before taking membership. Deleting the row in that window must
	// fail the join rather than leave a member in a dead room.
	h.mu.Lock()
	errCh := make(chan error, 1)
	go func() {
		_, err := h.Join(c, w.WorldID)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := meta.DeleteWorld(w.WorldID); err != nil {
		h.mu.Unlock()
		t.Fatalf("delete world: %v", err)
	}
	h.mu.Unlock()

	if err := <-errCh; !errors.Is(err, metadb.ErrNotFound) {
		t.Fatalf("join error = %v, want %v", err, metadb.ErrNotFound)
	}
	if _, ok := h.WorldOf("conn_1"); ok {
		t.Fatal("membership recorded for deleted world")
	}
	if h.RoomSize(w.WorldID) != 0 {
		t.Fatalf("room size = %d, want 0", h.RoomSize(w.WorldID))
	}
}

func TestBroadcastCastStampsSeedAndReachesCaster(t *testing.T) {
	h, meta := newTestHub(t)
	w := mustWorld(t, meta, "alpha")

	caster := &fakeConn{id: "conn_caster"}
	h.Register(caster)
	if _, err := h.Join(caster, w.WorldID); err != nil {
		t.Fatalf("join: %v", err)
	}

	ev := h.BroadcastCast(w.WorldID, protocol.SpellCastEventMsg{
		SpellID:    "fireball",
		RevisionID: "rev_000001_abcdef12",
		CasterID:   "client_1",
	})
	if ev.Seed < 0 {
		t.Fatalf("seed = %d, want non-negative", ev.Seed)
	}
	if ev.Timestamp == "" {
		t.Fatal("timestamp not stamped")
	}
	last := caster.messages(t)[len(caster.messages(t))-1]
	if last["type"] != protocol.TypeSpellCastEvent {
		t.Fatalf("caster last type = %v, want %q", last["type"], protocol.TypeSpellCastEvent)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h, meta := newTestHub(t)
	w := mustWorld(t, meta, "alpha")

	c := &fakeConn{id: "conn_1"}
	h.Register(c)
	if _, err := h.Join(c, w.WorldID); err != nil {
		t.Fatalf("join: %v", err)
	}

	h.Disconnect(c)
	h.Disconnect(c)

	got, err := meta.GetWorld(w.WorldID)
	if err != nil {
		t.Fatalf("get world: %v", err)
	}
	if got.PlayerCount != 0 {
		t.Fatalf("player count = %d, want 0 after double disconnect", got.PlayerCount)
	}
	if h.ClientCount() != 0 {
		t.Fatalf("client count = %d, want 0", h.ClientCount())
	}
}

func TestBroadcastAllReachesUnjoinedConns(t *testing.T) {
	h, _ := newTestHub(t)
	a := &fakeConn{id: "conn_a"}
	b := &fakeConn{id: "conn_b", full: true}
	h.Register(a)
	h.Register(b)

	h.BroadcastAll(protocol.JobProgressMsg{Type: protocol.TypeJobProgress, JobID: "job_1", Stage: "prepare", Pct: 5})

	if got := a.lastType(t); got != protocol.TypeJobProgress {
		t.Fatalf("conn a last type = %q, want %q", got, protocol.TypeJobProgress)
	}
	if len(b.messages(t)) != 0 {
		t.Fatal("full conn should have dropped the message")
	}
}
