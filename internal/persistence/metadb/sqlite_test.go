package metadb

import (
	"path/filepath"
	"testing"

	"spellforge.gg/internal/protocol"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWorldLifecycle(t *testing.T) {
	s := openTest(t)

	w, err := s.CreateWorld("Test World", "a place", "client_abc")
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	if w.PlayerCount != 0 || w.Name != "Test World" {
		t.Fatalf("unexpected world: %+v", w)
	}

	ok, err := s.WorldExists(w.WorldID)
	if err != nil || !ok {
		t.Fatalf("world should exist: ok=%v err=%v", ok, err)
	}

	if err := s.AdjustPlayerCount(w.WorldID, 1); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if err := s.AdjustPlayerCount(w.WorldID, -5); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	got, err := s.GetWorld(w.WorldID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlayerCount != 0 {
		t.Fatalf("player count should clamp at 0, got %d", got.PlayerCount)
	}

	if err := s.DeleteWorld(w.WorldID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetWorld(w.WorldID); err != ErrNotFound {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
	if err := s.AdjustPlayerCount("world_missing", 1); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for unknown world, got %v", err)
	}
}

func TestOpLogSequencing(t *testing.T) {
	s := openTest(t)
	w, err := s.CreateWorld("w", "", "")
	if err != nil {
		t.Fatalf("create world: %v", err)
	}

	mat := 1
	for i := 0; i < 5; i++ {
		seq, err := s.AppendOp(w.WorldID, protocol.OpData{Op: "add_sphere", Center: protocol.Vec3{X: float64(i)}, Radius: 8, MaterialID: &mat})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != int64(i+1) {
			t.Fatalf("seq = %d, want %d", seq, i+1)
		}
	}

	ops, err := s.ListOps(w.WorldID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("got %d ops", len(ops))
	}
	for i, op := range ops {
		if op.Seq != int64(i+1) {
			t.Fatalf("replay out of order: op[%d].seq = %d", i, op.Seq)
		}
		if op.OpData.Center.X != float64(i) {
			t.Fatalf("payload mismatch at %d: %+v", i, op.OpData)
		}
	}

	n, err := s.CountOps(w.WorldID)
	if err != nil || n != 5 {
		t.Fatalf("count = %d err=%v", n, err)
	}

	deleted, err := s.ClearOps(w.WorldID)
	if err != nil || deleted != 5 {
		t.Fatalf("clear = %d err=%v", deleted, err)
	}

	// Sequence restarts after a clear; the log stays gap-free.
	seq, err := s.AppendOp(w.WorldID, protocol.OpData{Op: "subtract_sphere", Radius: 6})
	if err != nil || seq != 1 {
		t.Fatalf("seq after clear = %d err=%v", seq, err)
	}
}

func TestSpellsAndRevisions(t *testing.T) {
	s := openTest(t)

	sp, err := s.CreateSpell("fire_ball", "")
	if err != nil {
		t.Fatalf("create spell: %v", err)
	}
	if sp.DisplayName != "Fire Ball" {
		t.Fatalf("display name = %q", sp.DisplayName)
	}

	next, err := s.NextVersion("fire_ball")
	if err != nil || next != 1 {
		t.Fatalf("next version = %d err=%v", next, err)
	}

	rev := protocol.Revision{
		RevisionID: "rev_000001_aaaa",
		SpellID:    "fire_ball",
		Channel:    protocol.ChannelDraft,
		Version:    1,
		Manifest:   protocol.Manifest{SpellID: "fire_ball", RevisionID: "rev_000001_aaaa", Version: 1},
	}
	if err := s.CreateRevision(rev); err != nil {
		t.Fatalf("create revision: %v", err)
	}

	// Duplicate version for the same spell must be rejected.
	dup := rev
	dup.RevisionID = "rev_000001_bbbb"
	if err := s.CreateRevision(dup); err == nil {
		t.Fatalf("duplicate version should fail")
	}

	next, err = s.NextVersion("fire_ball")
	if err != nil || next != 2 {
		t.Fatalf("next version after insert = %d err=%v", next, err)
	}

	if err := s.SetActiveRevision("fire_ball", protocol.ChannelDraft, rev.RevisionID); err != nil {
		t.Fatalf("set active: %v", err)
	}
	if err := s.SetActiveRevision("fire_ball", "nightly", rev.RevisionID); err == nil {
		t.Fatalf("unknown channel should fail")
	}

	sp, err = s.GetSpell("fire_ball")
	if err != nil {
		t.Fatalf("get spell: %v", err)
	}
	if sp.ActiveDraftRev != rev.RevisionID {
		t.Fatalf("draft pointer = %q", sp.ActiveDraftRev)
	}

	got, err := s.GetRevision(rev.RevisionID)
	if err != nil {
		t.Fatalf("get revision: %v", err)
	}
	if got.Manifest.SpellID != "fire_ball" {
		t.Fatalf("manifest round trip: %+v", got.Manifest)
	}

	revs, err := s.ListRevisions("fire_ball")
	if err != nil || len(revs) != 1 {
		t.Fatalf("list revisions: %d err=%v", len(revs), err)
	}
}

func TestJobUpdates(t *testing.T) {
	s := openTest(t)

	j, err := s.CreateJob("job_1", "fire_ball", "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if j.Status != protocol.JobPending || j.Stage != "waiting" || j.ProgressPct != 0 {
		t.Fatalf("fresh job: %+v", j)
	}

	pending, err := s.PendingJobs()
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %d err=%v", len(pending), err)
	}

	if err := s.UpdateJob("job_1", StatusStage(protocol.JobRunning, "prepare", 5)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateJob("job_1", Completion("rev_000001_aaaa")); err != nil {
		t.Fatalf("complete: %v", err)
	}
	j, err = s.GetJob("job_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != protocol.JobCompleted || j.ProgressPct != 100 || j.ResultRevisionID != "rev_000001_aaaa" {
		t.Fatalf("completed job: %+v", j)
	}

	if err := s.UpdateJob("job_missing", Failure("nope")); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
