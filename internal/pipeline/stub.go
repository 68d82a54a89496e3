package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/protocol"
)

// StubSpellScript generates a working spell script for builds that
// arrive without code. It implements the full casting interface so the
// result always validates.
func StubSpellScript(spellID string) string {
	title := metadb.TitleFromID(spellID)
	return fmt.Sprintf(`extends SpellModule
## Auto-generated spell: %[1]s

func get_manifest() -> Dictionary:
    return {
        "spell_id": "%[1]s",
        "name": "%[2]s"
    }


func on_cast(ctx: SpellContext) -> void:
    print("[%[1]s] Spell cast by: ", ctx.caster_id)
    print("[%[1]s] Target position: ", ctx.target_position)

    # Spawn a visual effect
    if ctx.world:
        ctx.world.play_vfx("default_cast", ctx.target_position)


func on_tick(ctx: SpellContext, dt: float) -> void:
    pass  # Optional tick logic


func on_cancel(ctx: SpellContext) -> void:
    print("[%[1]s] Spell cancelled")
`, spellID, title)
}

// PlaceholderIconPNG returns a complete 1x1 magenta PNG used when a
// build supplies no icon asset.
func PlaceholderIconPNG() []byte {
	return []byte{
		0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
		0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x08, 0x02, 0x00, 0x00, 0x00, 0x90, 0x77, 0x53,
		0xDE, 0x00, 0x00, 0x00, 0x0C, 0x49, 0x44, 0x41,
		0x54, 0x08, 0xD7, 0x63, 0xF8, 0xCF, 0xC0, 0x00,
		0x00, 0x00, 0x03, 0x00, 0x01, 0x00, 0x18, 0xDD,
		0x8D, 0xB4, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45,
		0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82,
	}
}

// validateManifest checks the assembled manifest against the wire
// contract schema before it is persisted anywhere.
func validateManifest(schema *jsonschema.Schema, m protocol.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
