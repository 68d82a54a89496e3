package castlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to hourly-rotated zstd files.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{baseDir: baseDir, prefix: prefix}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// OpEntry records one appended world op for post-hoc replay/debugging.
type OpEntry struct {
	Kind      string          `json:"kind"` // "op"
	WorldID   string          `json:"world_id"`
	Seq       int64           `json:"seq"`
	OpType    string          `json:"op_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// CastEntry records one broadcast spell cast.
type CastEntry struct {
	Kind       string `json:"kind"` // "cast"
	WorldID    string `json:"world_id"`
	SpellID    string `json:"spell_id"`
	RevisionID string `json:"revision_id"`
	CasterID   string `json:"caster_id"`
	Seed       int32  `json:"seed"`
	CreatedAt  string `json:"created_at"`
}

// Logger is the realtime hub's audit trail of ops and casts.
type Logger struct{ w *JSONLZstdWriter }

func NewLogger(dataDir string) *Logger {
	return &Logger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events")}
}

func (l *Logger) WriteOp(e OpEntry) error {
	if l == nil {
		return nil
	}
	e.Kind = "op"
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return l.w.Write(e)
}

func (l *Logger) WriteCast(e CastEntry) error {
	if l == nil {
		return nil
	}
	e.Kind = "cast"
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return l.w.Write(e)
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}
