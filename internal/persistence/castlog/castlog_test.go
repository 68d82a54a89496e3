package castlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestLoggerWritesReadableEntries(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(dir)

	if err := l.WriteOp(OpEntry{WorldID: "w1", Seq: 1, OpType: "add_sphere", Payload: json.RawMessage(`{"op":"add_sphere"}`)}); err != nil {
		t.Fatalf("write op: %v", err)
	}
	if err := l.WriteCast(CastEntry{WorldID: "w1", SpellID: "fire_ball", CasterID: "c1", Seed: 42}); err != nil {
		t.Fatalf("write cast: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ents, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil || len(ents) != 1 {
		t.Fatalf("expected one log file: %v err=%v", ents, err)
	}
	f, err := os.Open(filepath.Join(dir, "events", ents[0].Name()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var lines []string
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	if !strings.Contains(lines[0], `"kind":"op"`) || !strings.Contains(lines[1], `"kind":"cast"`) {
		t.Fatalf("unexpected lines: %v", lines)
	}
	var cast CastEntry
	if err := json.Unmarshal([]byte(lines[1]), &cast); err != nil {
		t.Fatalf("decode cast: %v", err)
	}
	if cast.Seed != 42 || cast.CreatedAt == "" {
		t.Fatalf("cast entry: %+v", cast)
	}
}
