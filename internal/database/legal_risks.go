package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LegalRiskRow is the input for inserting one finding.
type LegalRiskRow struct {
	RiskLevel        string
	IssueDescription string
	LegalBasisType   string
	LegalBasisRef    string
	LegalReasoning   string
	Recommendation   string
	UrgencyLevel     string
	Disclaimer       string
	RawJSON          json.RawMessage
}

// LegalRisk is the persisted representation of a finding.
type LegalRisk struct {
	ID               string          `json:"id"`
	RoomID           string          `json:"room_id"`
	RiskLevel        string          `json:"risk_level"`
	IssueDescription string          `json:"issue_description"`
	LegalBasisType   string          `json:"legal_basis_type"`
	LegalBasisRef    string          `json:"legal_basis_reference"`
	LegalReasoning   string          `json:"legal_reasoning"`
	Recommendation   string          `json:"recommendation"`
	UrgencyLevel     string          `json:"urgency_level"`
	Disclaimer       string          `json:"disclaimer,omitempty"`
	RawJSON          json.RawMessage `json:"raw_json,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// InsertLegalRisks stores a batch of findings for a room in one transaction.
// Either every row is written or none is.
func (db *DB) InsertLegalRisks(ctx context.Context, roomID string, rows []LegalRiskRow) ([]LegalRisk, error) {
	if len(rows) == 0 {
		return []LegalRisk{}, nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	out := make([]LegalRisk, 0, len(rows))
	for _, row := range rows {
		r := LegalRisk{
			ID:               uuid.NewString(),
			RoomID:           roomID,
			RiskLevel:        row.RiskLevel,
			IssueDescription: row.IssueDescription,
			LegalBasisType:   row.LegalBasisType,
			LegalBasisRef:    row.LegalBasisRef,
			LegalReasoning:   row.LegalReasoning,
			Recommendation:   row.Recommendation,
			UrgencyLevel:     row.UrgencyLevel,
			Disclaimer:       row.Disclaimer,
			RawJSON:          row.RawJSON,
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO legal_risks (
				id, room_id, risk_level, issue_description,
				legal_basis_type, legal_basis_ref, legal_reasoning,
				recommendation, urgency_level, disclaimer, raw_json
			) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at
		`,
			r.ID, r.RoomID, r.RiskLevel, r.IssueDescription,
			r.LegalBasisType, r.LegalBasisRef, r.LegalReasoning,
			r.Recommendation, r.UrgencyLevel, r.Disclaimer, rawOrNil(r.RawJSON),
		).Scan(&r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert legal risk: %w", err)
		}
		out = append(out, r)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return out, nil
}

// ListLegalRisks returns a room's findings, oldest first.
func (db *DB) ListLegalRisks(ctx context.Context, roomID string) ([]LegalRisk, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, room_id, risk_level, issue_description,
			legal_basis_type, legal_basis_ref, legal_reasoning,
			recommendation, urgency_level, disclaimer, raw_json, created_at
		FROM legal_risks
		WHERE room_id = $1
		ORDER BY created_at, id
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []LegalRisk
	for rows.Next() {
		var r LegalRisk
		if err := rows.Scan(
			&r.ID, &r.RoomID, &r.RiskLevel, &r.IssueDescription,
			&r.LegalBasisType, &r.LegalBasisRef, &r.LegalReasoning,
			&r.Recommendation, &r.UrgencyLevel, &r.Disclaimer, &r.RawJSON, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if result == nil {
		result = []LegalRisk{}
	}
	return result, rows.Err()
}

// rawOrNil maps an empty payload to SQL NULL.
func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
