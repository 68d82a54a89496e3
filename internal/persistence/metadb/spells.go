package metadb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"spellforge.gg/internal/protocol"
)

func (s *Store) CreateSpell(spellID, displayName string) (protocol.Spell, error) {
	if displayName == "" {
		displayName = TitleFromID(spellID)
	}
	now := nowStamp()
	_, err := s.db.Exec(
		`INSERT INTO spells (spell_id, display_name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		spellID, displayName, now, now)
	if err != nil {
		return protocol.Spell{}, err
	}
	return s.GetSpell(spellID)
}

func (s *Store) GetSpell(spellID string) (protocol.Spell, error) {
	row := s.db.QueryRow(
		`SELECT spell_id, display_name, active_draft_rev, active_beta_rev, active_stable_rev, created_at, updated_at
		 FROM spells WHERE spell_id = ?`, spellID)
	var sp protocol.Spell
	err := row.Scan(&sp.SpellID, &sp.DisplayName, &sp.ActiveDraftRev, &sp.ActiveBetaRev, &sp.ActiveStableRev, &sp.CreatedAt, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return sp, ErrNotFound
	}
	return sp, err
}

func (s *Store) ListSpells() ([]protocol.Spell, error) {
	rows, err := s.db.Query(
		`SELECT spell_id, display_name, active_draft_rev, active_beta_rev, active_stable_rev, created_at, updated_at
		 FROM spells ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var spells []protocol.Spell
	for rows.Next() {
		var sp protocol.Spell
		if err := rows.Scan(&sp.SpellID, &sp.DisplayName, &sp.ActiveDraftRev, &sp.ActiveBetaRev, &sp.ActiveStableRev, &sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, err
		}
		spells = append(spells, sp)
	}
	return spells, rows.Err()
}

func (s *Store) SpellExists(spellID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM spells WHERE spell_id = ?`, spellID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// SetActiveRevision repoints one channel of a spell at a revision.
func (s *Store) SetActiveRevision(spellID, channel, revisionID string) error {
	var column string
	switch channel {
	case protocol.ChannelDraft:
		column = "active_draft_rev"
	case protocol.ChannelBeta:
		column = "active_beta_rev"
	case protocol.ChannelStable:
		column = "active_stable_rev"
	default:
		return fmt.Errorf("metadb: unknown channel %q", channel)
	}
	res, err := s.db.Exec(
		`UPDATE spells SET `+column+` = ?, updated_at = ? WHERE spell_id = ?`,
		revisionID, nowStamp(), spellID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextVersion returns 1 + the highest version recorded for the spell.
func (s *Store) NextVersion(spellID string) (int, error) {
	var next int
	err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM revisions WHERE spell_id = ?`, spellID).Scan(&next)
	return next, err
}

// CreateRevision inserts an immutable revision. Versions are unique per
// spell; a duplicate insert (a concurrent build that allocated the same
// number) fails rather than overwriting.
func (s *Store) CreateRevision(rev protocol.Revision) error {
	manifestJSON, err := json.Marshal(rev.Manifest)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO revisions (revision_id, spell_id, parent_revision_id, channel, version, manifest_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev.RevisionID, rev.SpellID, rev.ParentRevisionID, rev.Channel, rev.Version, string(manifestJSON), nowStamp())
	if err != nil {
		return fmt.Errorf("metadb: create revision %s: %w", rev.RevisionID, err)
	}
	return nil
}

func (s *Store) GetRevision(revisionID string) (protocol.Revision, error) {
	row := s.db.QueryRow(
		`SELECT revision_id, spell_id, parent_revision_id, channel, version, manifest_json, created_at
		 FROM revisions WHERE revision_id = ?`, revisionID)
	return scanRevision(row)
}

func (s *Store) ListRevisions(spellID string) ([]protocol.Revision, error) {
	rows, err := s.db.Query(
		`SELECT revision_id, spell_id, parent_revision_id, channel, version, manifest_json, created_at
		 FROM revisions WHERE spell_id = ? ORDER BY version DESC`, spellID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var revs []protocol.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revs = append(revs, rev)
	}
	return revs, rows.Err()
}

func scanRevision(row rowScanner) (protocol.Revision, error) {
	var rev protocol.Revision
	var manifestJSON string
	err := row.Scan(&rev.RevisionID, &rev.SpellID, &rev.ParentRevisionID, &rev.Channel, &rev.Version, &manifestJSON, &rev.CreatedAt)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if err != nil {
		return rev, err
	}
	if err := json.Unmarshal([]byte(manifestJSON), &rev.Manifest); err != nil {
		return rev, fmt.Errorf("metadb: revision %s manifest: %w", rev.RevisionID, err)
	}
	return rev, nil
}

// TitleFromID turns fire_ball into "Fire Ball".
func TitleFromID(id string) string {
	parts := strings.Split(id, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
