package protocol

// Manifest describes one immutable revision: its entrypoint, hashed
// files, and descriptive metadata. It is the unit of compatibility
// exchanged with clients; field names and nesting must not change
// without bumping InterfaceVersion.
type Manifest struct {
	SpellID          string           `json:"spell_id"`
	RevisionID       string           `json:"revision_id"`
	Version          int              `json:"version"`
	CreatedAt        string           `json:"created_at"`
	Entrypoint       string           `json:"entrypoint"`
	Language         string           `json:"language"`
	InterfaceVersion string           `json:"interface_version"`
	Code             []FileEntry      `json:"code"`
	Assets           []FileEntry      `json:"assets"`
	Metadata         ManifestMetadata `json:"metadata"`
}

type FileEntry struct {
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	Size        int64  `json:"size"`
}

type ManifestMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	PreviewIcon string   `json:"preview_icon"`
}
