// Package snapshot exports the folded streams into a SQLite database for
// ad-hoc reporting. The snapshot is derived data: the streams stay the
// source of truth and every export replaces the previous rows.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
	"opsline/internal/store"
)

type Counts struct {
	Proposals int `json:"proposals"`
	Missions  int `json:"missions"`
	Steps     int `json:"steps"`
	Events    int `json:"events"`
}

// Export writes a snapshot of st to the SQLite file at path.
func Export(ctx context.Context, st *store.Store, path string, now time.Time) (Counts, error) {
	conn, err := db.Open(path)
	if err != nil {
		return Counts{}, fmt.Errorf("open snapshot: %w", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return Counts{}, fmt.Errorf("migrate snapshot: %w", err)
	}
	return Write(ctx, conn, st, now)
}

// Write replaces every snapshot row in conn in a single transaction.
func Write(ctx context.Context, conn *sql.DB, st *store.Store, now time.Time) (Counts, error) {
	proposals := store.FoldLatest[domain.Proposal](st, store.Proposals, store.Ascending)
	missions := store.FoldLatest[domain.Mission](st, store.Missions, store.Ascending)
	steps := store.FoldLatest[domain.Step](st, store.Steps, store.Ascending)
	events := store.Read[domain.Event](st, store.Events, 0)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return Counts{}, err
	}
	defer tx.Rollback()

	for _, table := range []string{"proposals", "missions", "steps", "events"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return Counts{}, fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, p := range proposals {
		_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id, created_at, source, title, description, project, task_key, status, gate_ok, gate_reason, approved_at, rejected_at, reject_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, ts(p.CreatedAt), string(p.Source), p.Title, p.Description, p.Project, p.TaskKey,
			string(p.Status), boolInt(p.Gate.OK), p.Gate.Reason, tsPtr(p.ApprovedAt), tsPtr(p.RejectedAt), p.RejectReason)
		if err != nil {
			return Counts{}, fmt.Errorf("insert proposal %s: %w", p.ID, err)
		}
	}
	for _, m := range missions {
		_, err := tx.ExecContext(ctx, `INSERT INTO missions(id, ts, proposal_id, title, project, task_key, status, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, ts(m.TS), m.ProposalID, m.Title, m.Project, m.TaskKey, string(m.Status), tsPtr(m.CompletedAt))
		if err != nil {
			return Counts{}, fmt.Errorf("insert mission %s: %w", m.ID, err)
		}
	}
	for _, s := range steps {
		var args any
		if len(s.Args) > 0 {
			data, err := json.Marshal(s.Args)
			if err != nil {
				return Counts{}, err
			}
			args = string(data)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO steps(id, ts, mission_id, kind, title, details, args_json, status, claimed_by, reserved_at, completed_at, last_error, output)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, ts(s.TS), s.MissionID, s.Kind, s.Title, s.Details, args, string(s.Status),
			s.ClaimedBy, tsPtr(s.ReservedAt), tsPtr(s.CompletedAt), s.LastError, s.Output)
		if err != nil {
			return Counts{}, fmt.Errorf("insert step %s: %w", s.ID, err)
		}
	}
	for i, e := range events {
		_, err := tx.ExecContext(ctx, `INSERT INTO events(seq, id, ts, kind, title, details, proposal_id, mission_id, step_id, project, task_key, actor)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i+1, e.ID, ts(e.TS), string(e.Kind), e.Title, e.Details, e.ProposalID, e.MissionID, e.StepID, e.Project, e.TaskKey, e.Actor)
		if err != nil {
			return Counts{}, fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_meta(key, value) VALUES ('exported_at', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, ts(now)); err != nil {
		return Counts{}, fmt.Errorf("write snapshot meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Counts{}, err
	}
	return Counts{
		Proposals: len(proposals),
		Missions:  len(missions),
		Steps:     len(steps),
		Events:    len(events),
	}, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
