package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dbPath := fs.String("db", "./data/spells.db", "sqlite db path")
	worldID := fs.String("world", "", "world_id filter (ops)")
	spellID := fs.String("spell", "", "spell_id filter (revisions, jobs)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "worlds"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	switch q {
	case "worlds":
		rows, err := db.Query(`SELECT world_id,name,created_by,player_count,created_at,updated_at FROM worlds ORDER BY updated_at DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				WorldID     string `json:"world_id"`
				Name        string `json:"name"`
				CreatedBy   string `json:"created_by"`
				PlayerCount int    `json:"player_count"`
				CreatedAt   string `json:"created_at"`
				UpdatedAt   string `json:"updated_at"`
			}
			if err := rows.Scan(&r.WorldID, &r.Name, &r.CreatedBy, &r.PlayerCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		checkRows(rows)

	case "ops":
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT seq,op_type,op_data,created_at FROM world_ops WHERE world_id=? ORDER BY seq DESC LIMIT ?`, *worldID, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq       int64           `json:"seq"`
				OpType    string          `json:"op_type"`
				OpData    json.RawMessage `json:"op_data"`
				CreatedAt string          `json:"created_at"`
			}
			var raw string
			if err := rows.Scan(&r.Seq, &r.OpType, &raw, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			r.OpData = json.RawMessage(raw)
			printJSON(r)
		}
		checkRows(rows)

	case "spells":
		rows, err := db.Query(`SELECT spell_id,display_name,active_draft_rev,active_beta_rev,active_stable_rev,updated_at FROM spells ORDER BY updated_at DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				SpellID         string `json:"spell_id"`
				DisplayName     string `json:"display_name"`
				ActiveDraftRev  string `json:"active_draft_rev,omitempty"`
				ActiveBetaRev   string `json:"active_beta_rev,omitempty"`
				ActiveStableRev string `json:"active_stable_rev,omitempty"`
				UpdatedAt       string `json:"updated_at"`
			}
			if err := rows.Scan(&r.SpellID, &r.DisplayName, &r.ActiveDraftRev, &r.ActiveBetaRev, &r.ActiveStableRev, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		checkRows(rows)

	case "revisions":
		if strings.TrimSpace(*spellID) == "" {
			fmt.Fprintln(os.Stderr, "missing -spell")
			os.Exit(2)
		}
		rows, err := db.Query(`SELECT revision_id,parent_revision_id,channel,version,created_at FROM revisions WHERE spell_id=? ORDER BY version DESC LIMIT ?`, *spellID, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				RevisionID string `json:"revision_id"`
				ParentID   string `json:"parent_revision_id,omitempty"`
				Channel    string `json:"channel"`
				Version    int    `json:"version"`
				CreatedAt  string `json:"created_at"`
			}
			if err := rows.Scan(&r.RevisionID, &r.ParentID, &r.Channel, &r.Version, &r.CreatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		checkRows(rows)

	case "jobs":
		query := `SELECT job_id,spell_id,status,stage,progress_pct,error_message,result_revision_id,updated_at FROM jobs ORDER BY updated_at DESC LIMIT ?`
		qargs := []any{*limit}
		if strings.TrimSpace(*spellID) != "" {
			query = `SELECT job_id,spell_id,status,stage,progress_pct,error_message,result_revision_id,updated_at FROM jobs WHERE spell_id=? ORDER BY updated_at DESC LIMIT ?`
			qargs = []any{strings.TrimSpace(*spellID), *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				JobID       string `json:"job_id"`
				SpellID     string `json:"spell_id"`
				Status      string `json:"status"`
				Stage       string `json:"stage"`
				ProgressPct int    `json:"progress_pct"`
				Error       string `json:"error_message,omitempty"`
				ResultRev   string `json:"result_revision_id,omitempty"`
				UpdatedAt   string `json:"updated_at"`
			}
			if err := rows.Scan(&r.JobID, &r.SpellID, &r.Status, &r.Stage, &r.ProgressPct, &r.Error, &r.ResultRev, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
		checkRows(rows)

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		usage()
		os.Exit(2)
	}
}

func checkRows(rows *sql.Rows) {
	if err := rows.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "rows:", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
