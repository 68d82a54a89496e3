package protocol

import "encoding/json"

// InterfaceVersion is the manifest compatibility version. Bump on any
// change to manifest field names or nesting.
const InterfaceVersion = "1.0"

// Message types (client -> server). These strings are the wire contract
// and must be preserved byte-for-byte.
const (
	TypeWorldJoin   = "world.join"
	TypeWorldLeave  = "world.leave"
	TypeWorldList   = "world.list"
	TypeWorldGet    = "world.get"
	TypeWorldCreate = "world.create"

	TypeSpellCreateDraft  = "spell.create_draft"
	TypeSpellStartBuild   = "spell.start_build"
	TypeSpellPublish      = "spell.publish"
	TypeSpellList         = "spell.list"
	TypeSpellGetRevisions = "spell.get_revisions"
	TypeSpellCastRequest  = "spell.cast_request"

	TypeContentGetManifest = "content.get_manifest"
	TypeContentGetFile     = "content.get_file"
	TypeContentListFiles   = "content.list_files"

	TypeRequestSpell = "request_spell"
	TypeClearWorld   = "clear_world"
	TypePing         = "ping"
)

// Message types (server -> client).
const (
	TypeConnected = "connected"
	TypeError     = "error"

	TypeWorldJoined      = "world.joined"
	TypeWorldLeft        = "world.left"
	TypeWorldListResult  = "world.list_result"
	TypeWorldListUpdated = "world.list_updated"
	TypeWorldInfo        = "world.info"
	TypeWorldCreated     = "world.created"
	TypeWorldCleared     = "world_cleared"

	TypeSyncOps      = "sync_ops"
	TypeSyncComplete = "sync_complete"
	TypeApplyOp      = "apply_op"

	TypeSpellDraftCreated    = "spell.draft_created"
	TypeSpellBuildStarted    = "spell.build_started"
	TypeSpellActiveUpdate    = "spell.active_update"
	TypeSpellRevisionReady   = "spell.revision_ready"
	TypeSpellListResult      = "spell.list_result"
	TypeSpellRevisionsResult = "spell.revisions_result"
	TypeSpellCastEvent       = "spell.cast_event"
	TypeSpellCastRejected    = "spell.cast_rejected"
	TypeSpellRejected        = "spell_rejected"

	TypeJobProgress = "job.progress"

	TypeContentManifest  = "content.manifest"
	TypeContentFile      = "content.file"
	TypeContentFilesList = "content.files_list"

	TypePong = "pong"
)

// BaseMessage lets us route JSON envelopes by type before decoding the
// full payload.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
