package protocol

import "encoding/json"

// Inbound messages (client -> server).

type WorldJoinMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
}

type WorldGetMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
}

type WorldCreateMsg struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type SpellCreateDraftMsg struct {
	Type    string `json:"type"`
	SpellID string `json:"spell_id"`
}

type BuildOptionsMsg struct {
	ParentRevisionID string           `json:"parent_revision_id,omitempty"`
	Metadata         ManifestMetadata `json:"metadata,omitempty"`
}

type SpellStartBuildMsg struct {
	Type    string          `json:"type"`
	SpellID string          `json:"spell_id"`
	Prompt  string          `json:"prompt,omitempty"`
	Code    string          `json:"code,omitempty"`
	Options BuildOptionsMsg `json:"options,omitempty"`
}

type SpellPublishMsg struct {
	Type       string `json:"type"`
	SpellID    string `json:"spell_id"`
	RevisionID string `json:"revision_id"`
	Channel    string `json:"channel,omitempty"`
}

type SpellGetRevisionsMsg struct {
	Type    string `json:"type"`
	SpellID string `json:"spell_id"`
}

type SpellCastRequestMsg struct {
	Type       string          `json:"type"`
	SpellID    string          `json:"spell_id"`
	RevisionID string          `json:"revision_id,omitempty"`
	CastParams json.RawMessage `json:"cast_params,omitempty"`
}

type ContentGetManifestMsg struct {
	Type       string `json:"type"`
	SpellID    string `json:"spell_id"`
	RevisionID string `json:"revision_id"`
}

type ContentGetFileMsg struct {
	Type       string `json:"type"`
	SpellID    string `json:"spell_id"`
	RevisionID string `json:"revision_id"`
	Path       string `json:"path"`
}

// RequestSpellMsg is the legacy terrain-edit request. The spell object
// carries the edit parameters and is compiled into world ops.
type RequestSpellMsg struct {
	Type  string          `json:"type"`
	Spell LegacySpellBody `json:"spell"`
}

type LegacySpellBody struct {
	Type       string   `json:"type"`
	Center     *Vec3    `json:"center,omitempty"`
	Radius     *float64 `json:"radius,omitempty"`
	MaterialID *int     `json:"material_id,omitempty"`
}

// Outbound messages (server -> client).

type ConnectedMsg struct {
	Type       string `json:"type"`
	ClientID   string `json:"client_id"`
	ServerTime string `json:"server_time"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type WorldJoinedMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
	World   World  `json:"world"`
}

type WorldLeftMsg struct {
	Type        string  `json:"type"`
	LeftWorldID *string `json:"left_world_id"`
}

type WorldListResultMsg struct {
	Type   string  `json:"type"`
	Worlds []World `json:"worlds"`
}

type WorldInfoMsg struct {
	Type  string `json:"type"`
	World World  `json:"world"`
}

type WorldCreatedMsg struct {
	Type  string `json:"type"`
	World World  `json:"world"`
}

type WorldClearedMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
}

type SyncOpsMsg struct {
	Type    string   `json:"type"`
	WorldID string   `json:"world_id"`
	Ops     []OpData `json:"ops"`
	Total   int      `json:"total"`
}

type SyncCompleteMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
	Message string `json:"message"`
}

type ApplyOpMsg struct {
	Type    string `json:"type"`
	WorldID string `json:"world_id"`
	Op      OpData `json:"op"`
}

type SpellDraftCreatedMsg struct {
	Type    string `json:"type"`
	SpellID string `json:"spell_id"`
	Created bool   `json:"created"`
	Spell   Spell  `json:"spell"`
}

type SpellBuildStartedMsg struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	SpellID string `json:"spell_id"`
}

type SpellActiveUpdateMsg struct {
	Type       string    `json:"type"`
	SpellID    string    `json:"spell_id"`
	RevisionID string    `json:"revision_id"`
	Channel    string    `json:"channel"`
	Manifest   *Manifest `json:"manifest"`
}

type SpellRevisionReadyMsg struct {
	Type       string    `json:"type"`
	SpellID    string    `json:"spell_id"`
	RevisionID string    `json:"revision_id"`
	Manifest   *Manifest `json:"manifest"`
}

type SpellListResultMsg struct {
	Type   string  `json:"type"`
	Spells []Spell `json:"spells"`
}

type SpellRevisionsResultMsg struct {
	Type      string     `json:"type"`
	SpellID   string     `json:"spell_id"`
	Revisions []Revision `json:"revisions"`
}

type SpellCastEventMsg struct {
	Type       string          `json:"type"`
	SpellID    string          `json:"spell_id"`
	RevisionID string          `json:"revision_id"`
	CasterID   string          `json:"caster_id"`
	WorldID    string          `json:"world_id"`
	CastParams json.RawMessage `json:"cast_params,omitempty"`
	Seed       int32           `json:"seed"`
	Timestamp  string          `json:"timestamp"`
}

type SpellCastRejectedMsg struct {
	Type    string `json:"type"`
	SpellID string `json:"spell_id"`
	Error   string `json:"error"`
}

type SpellRejectedMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type JobProgressMsg struct {
	Type       string    `json:"type"`
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	Pct        int       `json:"pct"`
	Message    string    `json:"message"`
	RevisionID string    `json:"revision_id,omitempty"`
	Manifest   *Manifest `json:"manifest,omitempty"`
}

type ContentManifestMsg struct {
	Type       string    `json:"type"`
	SpellID    string    `json:"spell_id"`
	RevisionID string    `json:"revision_id"`
	Manifest   *Manifest `json:"manifest"`
}

type ContentFileMsg struct {
	Type       string `json:"type"`
	SpellID    string `json:"spell_id"`
	RevisionID string `json:"revision_id"`
	Path       string `json:"path"`
	Content    string `json:"content"` // base64
	Size       int    `json:"size"`
}

type ContentFilesListMsg struct {
	Type       string   `json:"type"`
	SpellID    string   `json:"spell_id"`
	RevisionID string   `json:"revision_id"`
	Files      []string `json:"files"`
}

type PongMsg struct {
	Type    string `json:"type"`
	Clients int    `json:"clients"`
	WorldID string `json:"world_id,omitempty"`
	Ops     int    `json:"ops"`
}
