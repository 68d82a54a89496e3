package metadb

import (
	"database/sql"
	"strings"

	"spellforge.gg/internal/protocol"
)

func (s *Store) CreateJob(jobID, spellID, draftID string) (protocol.Job, error) {
	now := nowStamp()
	_, err := s.db.Exec(
		`INSERT INTO jobs (job_id, spell_id, draft_id, status, stage, progress_pct, created_at, updated_at)
		 VALUES (?, ?, ?, 'pending', 'waiting', 0, ?, ?)`,
		jobID, spellID, draftID, now, now)
	if err != nil {
		return protocol.Job{}, err
	}
	return s.GetJob(jobID)
}

func (s *Store) GetJob(jobID string) (protocol.Job, error) {
	row := s.db.QueryRow(
		`SELECT job_id, spell_id, draft_id, status, stage, progress_pct, logs, error_message, result_revision_id, created_at, updated_at
		 FROM jobs WHERE job_id = ?`, jobID)
	var j protocol.Job
	err := row.Scan(&j.JobID, &j.SpellID, &j.DraftID, &j.Status, &j.Stage, &j.ProgressPct, &j.Logs, &j.ErrorMessage, &j.ResultRevisionID, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

// JobUpdate carries the fields to change; nil means leave as-is.
type JobUpdate struct {
	Status           *string
	Stage            *string
	ProgressPct      *int
	Logs             *string
	ErrorMessage     *string
	ResultRevisionID *string
}

func str(v string) *string { return &v }
func num(v int) *int       { return &v }

// Convenience constructors used by the pipeline.
func StatusStage(status, stage string, pct int) JobUpdate {
	return JobUpdate{Status: str(status), Stage: str(stage), ProgressPct: num(pct)}
}
func StageProgress(stage string, pct int) JobUpdate {
	return JobUpdate{Stage: str(stage), ProgressPct: num(pct)}
}
func Failure(message string) JobUpdate {
	return JobUpdate{Status: str(protocol.JobFailed), ErrorMessage: str(message)}
}
func Completion(revisionID string) JobUpdate {
	return JobUpdate{
		Status:           str(protocol.JobCompleted),
		Stage:            str("done"),
		ProgressPct:      num(100),
		ResultRevisionID: str(revisionID),
	}
}

func (s *Store) UpdateJob(jobID string, upd JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{nowStamp()}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, *upd.Stage)
	}
	if upd.ProgressPct != nil {
		sets = append(sets, "progress_pct = ?")
		args = append(args, *upd.ProgressPct)
	}
	if upd.Logs != nil {
		sets = append(sets, "logs = ?")
		args = append(args, *upd.Logs)
	}
	if upd.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.ErrorMessage)
	}
	if upd.ResultRevisionID != nil {
		sets = append(sets, "result_revision_id = ?")
		args = append(args, *upd.ResultRevisionID)
	}
	args = append(args, jobID)

	res, err := s.db.Exec(`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE job_id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) PendingJobs() ([]protocol.Job, error) {
	rows, err := s.db.Query(
		`SELECT job_id, spell_id, draft_id, status, stage, progress_pct, logs, error_message, result_revision_id, created_at, updated_at
		 FROM jobs WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []protocol.Job
	for rows.Next() {
		var j protocol.Job
		if err := rows.Scan(&j.JobID, &j.SpellID, &j.DraftID, &j.Status, &j.Stage, &j.ProgressPct, &j.Logs, &j.ErrorMessage, &j.ResultRevisionID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
