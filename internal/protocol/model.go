package protocol

// Wire-visible records. The JSON field names here are shared between the
// metadata store, the realtime envelope, and the HTTP API; clients parse
// them as-is.

type World struct {
	WorldID     string `json:"world_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
	PlayerCount int    `json:"player_count"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	// Online is not persisted; it reflects whether a simulation process
	// is currently supervised for this world.
	Online bool `json:"online"`
}

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// OpData is the payload of one world-mutating operation. The Op field
// names the operation (add_sphere, subtract_sphere).
type OpData struct {
	Op         string  `json:"op"`
	Center     Vec3    `json:"center"`
	Radius     float64 `json:"radius"`
	MaterialID *int    `json:"material_id,omitempty"`
}

type WorldOp struct {
	Seq       int64  `json:"seq"`
	WorldID   string `json:"world_id"`
	OpType    string `json:"op_type"`
	OpData    OpData `json:"op_data"`
	CreatedAt string `json:"created_at"`
}

type Spell struct {
	SpellID         string `json:"spell_id"`
	DisplayName     string `json:"display_name"`
	ActiveDraftRev  string `json:"active_draft_rev"`
	ActiveBetaRev   string `json:"active_beta_rev"`
	ActiveStableRev string `json:"active_stable_rev"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// Channels a revision can be published to.
const (
	ChannelDraft  = "draft"
	ChannelBeta   = "beta"
	ChannelStable = "stable"
)

func IsChannel(s string) bool {
	return s == ChannelDraft || s == ChannelBeta || s == ChannelStable
}

type Revision struct {
	RevisionID       string   `json:"revision_id"`
	SpellID          string   `json:"spell_id"`
	ParentRevisionID string   `json:"parent_revision_id,omitempty"`
	Channel          string   `json:"channel"`
	Version          int      `json:"version"`
	Manifest         Manifest `json:"manifest"`
	CreatedAt        string   `json:"created_at"`
}

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

type Job struct {
	JobID            string `json:"job_id"`
	SpellID          string `json:"spell_id"`
	DraftID          string `json:"draft_id,omitempty"`
	Status           string `json:"status"`
	Stage            string `json:"stage"`
	ProgressPct      int    `json:"progress_pct"`
	Logs             string `json:"logs,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	ResultRevisionID string `json:"result_revision_id,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}
