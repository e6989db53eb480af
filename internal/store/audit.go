package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/loyalty/internal/ir"
)

// RecordAudit implements engine.AuditLog.
// Uses ON CONFLICT(run_id) DO NOTHING for idempotency - a run is recorded once.
//
// Event and result payloads are stored as canonical JSON (CP-3).
func (s *Store) RecordAudit(ctx context.Context, rec ir.AuditRecord) error {
	eventJSON, err := marshalCanonical("event", rec.Event)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	resultJSON, err := marshalCanonical("result", rec.Result)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	states := rec.States
	if states == nil {
		states = []string{}
	}
	statesJSON, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("record audit: marshal states: %w", err)
	}

	var next sql.NullString
	if rec.NextExpiration != nil {
		next = sql.NullString{String: formatTime(*rec.NextExpiration), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_results
		(run_id, event_id, consumer_id, event_type, outcome, total_points,
		 event, result, states, event_fingerprint, rule_set_hash, next_expiration, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		rec.RunID,
		rec.Event.ID,
		rec.Event.ConsumerID,
		string(rec.Event.Type),
		rec.Outcome,
		rec.Result.TotalPointsAwarded,
		eventJSON,
		resultJSON,
		string(statesJSON),
		rec.EventFingerprint,
		rec.RuleSetHash,
		next,
		formatTime(rec.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// AuditByEvent returns every recorded run of eventID, oldest first.
//
// Returns an empty slice (not nil) if the event was never processed.
func (s *Store) AuditByEvent(ctx context.Context, eventID string) ([]ir.AuditRecord, error) {
	return s.queryAudit(ctx, `
		SELECT run_id, consumer_id, outcome, event, result, states,
		       event_fingerprint, rule_set_hash, next_expiration, processed_at
		FROM event_results
		WHERE event_id = ?
		ORDER BY processed_at ASC, run_id COLLATE BINARY ASC
	`, eventID)
}

// AuditByConsumer returns the most recent runs for consumerID, newest
// first. limit <= 0 means no limit.
func (s *Store) AuditByConsumer(ctx context.Context, consumerID string, limit int) ([]ir.AuditRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryAudit(ctx, `
		SELECT run_id, consumer_id, outcome, event, result, states,
		       event_fingerprint, rule_set_hash, next_expiration, processed_at
		FROM event_results
		WHERE consumer_id = ?
		ORDER BY processed_at DESC, run_id COLLATE BINARY DESC
		LIMIT ?
	`, consumerID, limit)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]ir.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	records := []ir.AuditRecord{}
	for rows.Next() {
		rec, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return records, nil
}

func scanAudit(rows *sql.Rows) (ir.AuditRecord, error) {
	var (
		rec                               ir.AuditRecord
		consumerID                        string
		eventJSON, resultJSON, statesJSON string
		next                              sql.NullString
		processedAt                       string
	)
	if err := rows.Scan(&rec.RunID, &consumerID, &rec.Outcome, &eventJSON, &resultJSON, &statesJSON,
		&rec.EventFingerprint, &rec.RuleSetHash, &next, &processedAt); err != nil {
		return ir.AuditRecord{}, fmt.Errorf("scan audit: %w", err)
	}

	var err error
	if rec.Event, err = unmarshalEvent(eventJSON); err != nil {
		return ir.AuditRecord{}, err
	}
	if rec.Result, err = unmarshalResult(resultJSON); err != nil {
		return ir.AuditRecord{}, err
	}
	// The balance's consumer ID and the run ID are not serialized.
	rec.Result.ResultingBalance.ConsumerID = consumerID
	rec.Result.RunID = rec.RunID
	if rec.States, err = unmarshalStates(statesJSON); err != nil {
		return ir.AuditRecord{}, err
	}
	if next.Valid {
		t, err := parseTime(next.String)
		if err != nil {
			return ir.AuditRecord{}, err
		}
		rec.NextExpiration = &t
	}
	if rec.ProcessedAt, err = parseTime(processedAt); err != nil {
		return ir.AuditRecord{}, err
	}
	return rec, nil
}
