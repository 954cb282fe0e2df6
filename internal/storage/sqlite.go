package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/phasegate/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases and writes consistent.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		flow_type TEXT NOT NULL,
		current_phase TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		script_path TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		flow_id INTEGER NOT NULL REFERENCES flows(id),
		sequence_num INTEGER NOT NULL,
		phase TEXT NOT NULL,
		result TEXT,
		action TEXT NOT NULL,
		next_phase TEXT NOT NULL,
		confidence REAL NOT NULL,
		reasoning TEXT NOT NULL,
		metadata TEXT,
		decided_at TIMESTAMP NOT NULL,
		UNIQUE(flow_id, sequence_num)
	);

	CREATE INDEX IF NOT EXISTS idx_flows_status ON flows(status);
	CREATE INDEX IF NOT EXISTS idx_decisions_flow ON decisions(flow_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateFlow(flow *models.Flow) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO flows (flow_type, current_phase, status, script_path, workspace_path)
		 VALUES (?, ?, ?, ?, ?)`,
		flow.FlowType, flow.CurrentPhase, flow.Status, flow.ScriptPath, flow.WorkspacePath,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const flowColumns = `id, created_at, completed_at, flow_type, current_phase, status, script_path, workspace_path, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (*models.Flow, error) {
	var flow models.Flow
	var completedAt sql.NullTime
	var errText sql.NullString

	err := row.Scan(
		&flow.ID, &flow.CreatedAt, &completedAt, &flow.FlowType, &flow.CurrentPhase,
		&flow.Status, &flow.ScriptPath, &flow.WorkspacePath, &errText,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		flow.CompletedAt = &completedAt.Time
	}
	if errText.Valid {
		flow.Error = errText.String
	}
	return &flow, nil
}

func (s *Storage) GetFlow(id int64) (*models.Flow, error) {
	row := s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	flow, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("flow %d not found", id)
	}
	return flow, err
}

func (s *Storage) UpdateFlow(flow *models.Flow) error {
	var errText *string
	if flow.Error != "" {
		errText = &flow.Error
	}
	_, err := s.db.Exec(
		`UPDATE flows SET completed_at = ?, current_phase = ?, status = ?, workspace_path = ?, error = ? WHERE id = ?`,
		flow.CompletedAt, flow.CurrentPhase, flow.Status, flow.WorkspacePath, errText, flow.ID,
	)
	return err
}

func (s *Storage) ListFlows(limit int) ([]*models.Flow, error) {
	rows, err := s.db.Query(
		`SELECT `+flowColumns+` FROM flows ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}

	return flows, rows.Err()
}

// RecordDecision appends a decision to the flow's journal, assigning the
// record an ID and the next sequence number.
func (s *Storage) RecordDecision(rec *models.DecisionRecord) error {
	resultJSON, err := marshalNullable(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal phase result: %w", err)
	}
	metaJSON, err := marshalNullable(rec.Decision.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal decision metadata: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM decisions WHERE flow_id = ?`, rec.FlowID,
	).Scan(&seq); err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	d := rec.Decision
	if _, err := tx.Exec(
		`INSERT INTO decisions (id, flow_id, sequence_num, phase, result, action, next_phase, confidence, reasoning, metadata, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FlowID, seq, rec.Phase, resultJSON, d.Action, d.NextPhase,
		d.Confidence, d.Reasoning, metaJSON, d.Timestamp.UTC(),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rec.SequenceNum = seq
	return nil
}

func (s *Storage) GetDecisionsForFlow(flowID int64) ([]*models.DecisionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, sequence_num, phase, result, action, next_phase, confidence, reasoning, metadata, decided_at
		 FROM decisions WHERE flow_id = ? ORDER BY sequence_num`, flowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.DecisionRecord
	for rows.Next() {
		var rec models.DecisionRecord
		var resultJSON, metaJSON sql.NullString
		var decidedAt time.Time

		err := rows.Scan(
			&rec.ID, &rec.FlowID, &rec.SequenceNum, &rec.Phase, &resultJSON,
			&rec.Decision.Action, &rec.Decision.NextPhase, &rec.Decision.Confidence,
			&rec.Decision.Reasoning, &metaJSON, &decidedAt,
		)
		if err != nil {
			return nil, err
		}

		if resultJSON.Valid {
			var result models.PhaseResult
			if err := json.Unmarshal([]byte(resultJSON.String), &result); err == nil {
				rec.Result = result
			}
		}
		if metaJSON.Valid {
			var meta map[string]any
			if err := json.Unmarshal([]byte(metaJSON.String), &meta); err == nil {
				rec.Decision.Metadata = meta
			}
		}
		rec.Decision.Timestamp = decidedAt

		recs = append(recs, &rec)
	}

	return recs, rows.Err()
}

// LatestDecision returns the most recent journal entry, or nil when the
// flow has none.
func (s *Storage) LatestDecision(flowID int64) (*models.DecisionRecord, error) {
	recs, err := s.GetDecisionsForFlow(flowID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[len(recs)-1], nil
}

func (s *Storage) DeleteFlow(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM decisions WHERE flow_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM flows WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func marshalNullable(v any) (*string, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case models.PhaseResult:
		if m == nil {
			return nil, nil
		}
	case map[string]any:
		if m == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
