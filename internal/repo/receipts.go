package repo

import (
	"context"
	"database/sql"

	"grantline/internal/domain"
)

const receiptColumns = `id,dt_id,pc_id,executor_type,executor_id,executor_user_id,execution_started_at,execution_completed_at,execution_duration_ms,outcome_json,outcome_hash,attestation,signing_method,submitted_at,trace_id`

func scanReceipt(scan func(dest ...any) error) (domain.ExecutionReceipt, error) {
	var er domain.ExecutionReceipt
	var pcID, executorUser, traceID sql.NullString
	err := scan(&er.ID, &er.DTID, &pcID, &er.ExecutorType, &er.ExecutorID, &executorUser,
		&er.ExecutionStartedAt, &er.ExecutionCompletedAt, &er.ExecutionDurationMs,
		&er.OutcomeJSON, &er.OutcomeHash, &er.Attestation, &er.SigningMethod, &er.SubmittedAt, &traceID)
	if err == sql.ErrNoRows {
		return er, ErrNotFound
	}
	if err != nil {
		return er, err
	}
	if pcID.Valid {
		er.PCID = &pcID.String
	}
	if executorUser.Valid {
		er.ExecutorUserID = executorUser.String
	}
	if traceID.Valid {
		er.TraceID = traceID.String
	}
	return er, nil
}

func (r Repo) InsertReceipt(ctx context.Context, tx *sql.Tx, er domain.ExecutionReceipt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO execution_receipts(`+receiptColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		er.ID, er.DTID, nullableStringPtr(er.PCID), er.ExecutorType, er.ExecutorID, nullable(er.ExecutorUserID),
		er.ExecutionStartedAt, er.ExecutionCompletedAt, er.ExecutionDurationMs,
		er.OutcomeJSON, er.OutcomeHash, er.Attestation, er.SigningMethod, er.SubmittedAt, nullable(er.TraceID))
	return err
}

func (r Repo) GetReceipt(ctx context.Context, id string) (domain.ExecutionReceipt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM execution_receipts WHERE id=?`, id)
	return scanReceipt(row.Scan)
}

// LatestReceiptForToken returns the most recent receipt for a token. Reusable
// tokens can accumulate more than one.
func (r Repo) LatestReceiptForToken(ctx context.Context, dtID string) (domain.ExecutionReceipt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM execution_receipts WHERE dt_id=? ORDER BY submitted_at DESC, id DESC LIMIT 1`, dtID)
	return scanReceipt(row.Scan)
}

func (r Repo) ListReceiptsForToken(ctx context.Context, dtID string) ([]domain.ExecutionReceipt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+receiptColumns+` FROM execution_receipts WHERE dt_id=? ORDER BY submitted_at DESC, id DESC`, dtID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionReceipt
	for rows.Next() {
		er, err := scanReceipt(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, er)
	}
	return res, rows.Err()
}
