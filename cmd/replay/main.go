// Command replay reads the event journal the realtime hub writes and
// prints the recorded ops and casts. Useful for auditing what happened
// in a world after the fact, or for piping history into other tools.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

func main() {
	var (
		eventsDir = flag.String("events", "./data/events", "events dir containing events-*.jsonl.zst")
		worldID   = flag.String("world", "", "only entries for this world (optional)")
		kind      = flag.String("kind", "", "only entries of this kind: op or cast (optional)")
		limit     = flag.Int("limit", 0, "stop after this many entries (optional)")
	)
	flag.Parse()

	if *kind != "" && *kind != "op" && *kind != "cast" {
		fmt.Fprintln(os.Stderr, "bad -kind: want op or cast")
		os.Exit(2)
	}

	files, err := listEventFiles(*eventsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list events:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no events files found in", *eventsDir)
		os.Exit(1)
	}

	var ops, casts int
	for _, path := range files {
		if err := dumpFile(path, *worldID, *kind, *limit, &ops, &casts); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
		if *limit > 0 && ops+casts >= *limit {
			break
		}
	}
	fmt.Fprintf(os.Stderr, "replay ok: files=%d ops=%d casts=%d\n", len(files), ops, casts)
}

func listEventFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

func dumpFile(path, worldID, kind string, limit int, ops, casts *int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for sc.Scan() {
		line := sc.Bytes()
		var probe struct {
			Kind    string `json:"kind"`
			WorldID string `json:"world_id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if worldID != "" && probe.WorldID != worldID {
			continue
		}
		if kind != "" && probe.Kind != kind {
			continue
		}
		switch probe.Kind {
		case "op":
			*ops++
		case "cast":
			*casts++
		default:
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
		if limit > 0 && *ops+*casts >= limit {
			return nil
		}
	}
	return sc.Err()
}
