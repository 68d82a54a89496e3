package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/persistence/spellstore"
	"spellforge.gg/internal/protocol"
)

// BuildOptions steer one build job.
type BuildOptions struct {
	Prompt           string
	Code             string
	ParentRevisionID string
	Metadata         protocol.ManifestMetadata
	IconData         []byte
}

// Event is one progress checkpoint emitted by the worker. The terminal
// event carries the revision id and manifest on success, or stage
// "error" with pct 0 on failure.
type Event struct {
	JobID      string
	Stage      string
	Pct        int
	Message    string
	RevisionID string
	Manifest   *protocol.Manifest
}

type queuedJob struct {
	jobID   string
	options BuildOptions
}

// Worker drains the build queue one job at a time. Single consumption
// serializes version allocation per spell; the unique (spell, version)
// index in the database backstops it.
type Worker struct {
	meta      *metadb.Store
	content   *spellstore.Store
	validator *jsonschema.Schema // nil skips schema validation
	log       *log.Logger

	queue  chan queuedJob
	events chan Event
}

func NewWorker(meta *metadb.Store, content *spellstore.Store, validator *jsonschema.Schema, logger *log.Logger) *Worker {
	return &Worker{
		meta:      meta,
		content:   content,
		validator: validator,
		log:       logger,
		queue:     make(chan queuedJob, 64),
		events:    make(chan Event, 256),
	}
}

// Events delivers progress checkpoints in order. The channel closes
// when the worker stops.
func (w *Worker) Events() <-chan Event { return w.events }

// Enqueue queues a created job for processing. Returns false when the
// queue is saturated; the job stays pending in the database.
func (w *Worker) Enqueue(jobID string, options BuildOptions) bool {
	select {
	case w.queue <- queuedJob{jobID: jobID, options: options}:
		return true
	default:
		w.log.Printf("build queue full, job %s left pending", jobID)
		return false
	}
}

// Start runs the consume loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case qj := <-w.queue:
			if err := w.process(qj.jobID, qj.options); err != nil {
				w.log.Printf("job %s failed: %v", qj.jobID, err)
				if uerr := w.meta.UpdateJob(qj.jobID, metadb.Failure(err.Error())); uerr != nil {
					w.log.Printf("job %s failure update: %v", qj.jobID, uerr)
				}
				w.emit(Event{JobID: qj.jobID, Stage: "error", Pct: 0, Message: "Build failed: " + err.Error()})
			}
		}
	}
}

func (w *Worker) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.log.Printf("event channel full, dropping %s/%s", ev.JobID, ev.Stage)
	}
}

// checkpoint records progress in the job row and emits the event.
func (w *Worker) checkpoint(jobID, stage string, pct int, message string) error {
	if err := w.meta.UpdateJob(jobID, metadb.StageProgress(stage, pct)); err != nil {
		return err
	}
	w.emit(Event{JobID: jobID, Stage: stage, Pct: pct, Message: message})
	return nil
}

func (w *Worker) process(jobID string, options BuildOptions) error {
	job, err := w.meta.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	spellID := job.SpellID
	w.log.Printf("processing job %s for spell %s", jobID, spellID)

	if err := w.meta.UpdateJob(jobID, metadb.StatusStage(protocol.JobRunning, "prepare", 0)); err != nil {
		return err
	}
	w.emit(Event{JobID: jobID, Stage: "prepare", Pct: 0, Message: "Starting build..."})

	if err := w.stagePrepare(jobID); err != nil {
		return err
	}
	revisionID, version, codeFiles, assetFiles, err := w.stageAssemble(jobID, spellID, options)
	if err != nil {
		return err
	}
	if err := w.stageValidate(jobID, spellID, revisionID); err != nil {
		return err
	}
	manifest, err := w.stageFinalize(jobID, spellID, revisionID, version, codeFiles, assetFiles, options)
	if err != nil {
		return err
	}

	if err := w.meta.UpdateJob(jobID, metadb.Completion(revisionID)); err != nil {
		return err
	}
	w.emit(Event{
		JobID:      jobID,
		Stage:      "done",
		Pct:        100,
		Message:    "Build complete!",
		RevisionID: revisionID,
		Manifest:   &manifest,
	})
	w.log.Printf("job %s completed, revision %s", jobID, revisionID)
	return nil
}

func (w *Worker) stagePrepare(jobID string) error {
	if err := w.checkpoint(jobID, "prepare", 5, "Preparing build environment..."); err != nil {
		return err
	}
	return w.checkpoint(jobID, "prepare", 15, "Build environment ready")
}

func (w *Worker) stageAssemble(jobID, spellID string, options BuildOptions) (revisionID string, version int, codeFiles, assetFiles []protocol.FileEntry, err error) {
	if err = w.checkpoint(jobID, "assemble_package", 20, "Assembling package files..."); err != nil {
		return
	}

	// The version is read once here and reused at finalize.
	version, err = w.meta.NextVersion(spellID)
	if err != nil {
		return
	}
	revisionID = fmt.Sprintf("rev_%06d_%s", version, uuid.NewString()[:8])

	if err = w.content.CreateRevisionDirs(spellID, revisionID); err != nil {
		return
	}
	if err = w.checkpoint(jobID, "assemble_package", 30, "Created revision "+revisionID); err != nil {
		return
	}

	code := options.Code
	if code == "" {
		code = StubSpellScript(spellID)
	}
	entry, werr := w.content.WriteText(spellID, revisionID, "code/spell.gd", code)
	if werr != nil {
		err = werr
		return
	}
	codeFiles = []protocol.FileEntry{entry}
	if err = w.checkpoint(jobID, "assemble_package", 45, "Wrote spell script"); err != nil {
		return
	}

	icon := options.IconData
	if len(icon) == 0 {
		icon = PlaceholderIconPNG()
	}
	iconEntry, werr := w.content.Write(spellID, revisionID, "assets/icon.png", icon)
	if werr != nil {
		err = werr
		return
	}
	assetFiles = []protocol.FileEntry{iconEntry}
	err = w.checkpoint(jobID, "assemble_package", 55, "Wrote asset files")
	return
}

func (w *Worker) stageValidate(jobID, spellID, revisionID string) error {
	if err := w.checkpoint(jobID, "validate", 60, "Validating spell interface..."); err != nil {
		return err
	}

	code, err := w.content.Read(spellID, revisionID, "code/spell.gd")
	if err != nil {
		return fmt.Errorf("spell script not found: %w", err)
	}
	var missing []string
	for _, method := range []string{"on_cast"} {
		if !bytes.Contains(code, []byte("func "+method)) {
			missing = append(missing, method)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required methods: %s", strings.Join(missing, ", "))
	}

	return w.checkpoint(jobID, "validate", 75, "Validation passed")
}

func (w *Worker) stageFinalize(jobID, spellID, revisionID string, version int, codeFiles, assetFiles []protocol.FileEntry, options BuildOptions) (protocol.Manifest, error) {
	var manifest protocol.Manifest
	if err := w.checkpoint(jobID, "finalize", 80, "Computing file hashes..."); err != nil {
		return manifest, err
	}

	meta := options.Metadata
	if meta.Name == "" {
		meta.Name = metadb.TitleFromID(spellID)
	}
	if meta.Description == "" {
		if options.Prompt != "" {
			meta.Description = options.Prompt
		} else {
			meta.Description = "A spell: " + spellID
		}
	}
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	if meta.PreviewIcon == "" {
		meta.PreviewIcon = "assets/icon.png"
	}

	manifest = protocol.Manifest{
		SpellID:          spellID,
		RevisionID:       revisionID,
		Version:          version,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		Entrypoint:       "code/spell.gd",
		Language:         "gdscript",
		InterfaceVersion: protocol.InterfaceVersion,
		Code:             codeFiles,
		Assets:           assetFiles,
		Metadata:         meta,
	}

	if w.validator != nil {
		if err := validateManifest(w.validator, manifest); err != nil {
			return manifest, fmt.Errorf("manifest schema: %w", err)
		}
	}

	if err := w.checkpoint(jobID, "finalize", 90, "Writing manifest..."); err != nil {
		return manifest, err
	}
	if err := w.content.WriteManifest(manifest); err != nil {
		return manifest, err
	}

	if err := w.meta.CreateRevision(protocol.Revision{
		RevisionID:       revisionID,
		SpellID:          spellID,
		ParentRevisionID: options.ParentRevisionID,
		Channel:          protocol.ChannelDraft,
		Version:          version,
		Manifest:         manifest,
	}); err != nil {
		return manifest, err
	}
	if err := w.meta.SetActiveRevision(spellID, protocol.ChannelDraft, revisionID); err != nil {
		return manifest, err
	}

	if err := w.checkpoint(jobID, "finalize", 95, "Manifest written"); err != nil {
		return manifest, err
	}
	return manifest, nil
}
