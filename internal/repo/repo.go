package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"grantline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const tokenColumns = `id,enterprise_id,partner_id,policy_snapshot_id,policy_snapshot_digest,tool_name,tool_version,vendor_name,usage_grant_json,decision_json,reusable,status,issued_at,expires_at,revoked_at,revocation_reason,signature,signing_method,trace_id`

func scanToken(scan func(dest ...any) error) (domain.DecisionToken, error) {
	var t domain.DecisionToken
	var partnerID, usageGrant, decision, revokedAt, revocationReason, traceID sql.NullString
	var reusable int
	err := scan(&t.ID, &t.EnterpriseID, &partnerID, &t.PolicySnapshotID, &t.PolicySnapshotDigest,
		&t.ToolName, &t.ToolVersion, &t.VendorName, &usageGrant, &decision, &reusable,
		&t.Status, &t.IssuedAt, &t.ExpiresAt, &revokedAt, &revocationReason,
		&t.Signature, &t.SigningMethod, &traceID)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Reusable = reusable != 0
	if partnerID.Valid {
		t.PartnerID = &partnerID.String
	}
	if usageGrant.Valid {
		t.UsageGrantJSON = &usageGrant.String
	}
	if decision.Valid {
		t.DecisionJSON = &decision.String
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.String
	}
	if revocationReason.Valid {
		t.RevocationReason = &revocationReason.String
	}
	if traceID.Valid {
		t.TraceID = traceID.String
	}
	return t, nil
}

func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.DecisionToken) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_tokens(`+tokenColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EnterpriseID, nullableStringPtr(t.PartnerID), t.PolicySnapshotID, t.PolicySnapshotDigest,
		t.ToolName, t.ToolVersion, t.VendorName, nullableStringPtr(t.UsageGrantJSON), nullableStringPtr(t.DecisionJSON),
		boolToInt(t.Reusable), t.Status, t.IssuedAt, t.ExpiresAt, nullableStringPtr(t.RevokedAt),
		nullableStringPtr(t.RevocationReason), t.Signature, t.SigningMethod, nullable(t.TraceID))
	return err
}

func (r Repo) GetToken(ctx context.Context, id string) (domain.DecisionToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM decision_tokens WHERE id=?`, id)
	return scanToken(row.Scan)
}

// TransitionTokenStatus is a conditional update keyed on the current status.
// It reports whether this caller won the transition; a false return means some
// other transition got there first and the row was left untouched.
func (r Repo) TransitionTokenStatus(ctx context.Context, tx *sql.Tx, id, from, to string) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE decision_tokens SET status=? WHERE id=? AND status=?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeToken conditionally moves an active token to revoked, recording when
// and why.
func (r Repo) RevokeToken(ctx context.Context, tx *sql.Tx, id, reason, revokedAt string) (bool, error) {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `UPDATE decision_tokens SET status=?, revoked_at=?, revocation_reason=? WHERE id=? AND status=?`,
		domain.TokenRevoked, revokedAt, nullable(reason), id, domain.TokenActive)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type TokenFilters struct {
	CallerID       string
	EnterpriseID   string
	PartnerID      string
	Status         string
	ToolName       string
	Limit          int
	CursorIssuedAt string
	CursorID       string
}

// ListTokens returns tokens visible to the caller: those it issued and those
// naming it as partner.
func (r Repo) ListTokens(ctx context.Context, f TokenFilters) ([]domain.DecisionToken, error) {
	var clauses []string
	var args []any
	if f.CallerID != "" {
		clauses = append(clauses, "(enterprise_id=? OR partner_id=?)")
		args = append(args, f.CallerID, f.CallerID)
	}
	if f.EnterpriseID != "" {
		clauses = append(clauses, "enterprise_id=?")
		args = append(args, f.EnterpriseID)
	}
	if f.PartnerID != "" {
		clauses = append(clauses, "partner_id=?")
		args = append(args, f.PartnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ToolName != "" {
		clauses = append(clauses, "tool_name=?")
		args = append(args, f.ToolName)
	}
	if f.CursorIssuedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(issued_at < ? OR (issued_at = ? AND id < ?))")
		args = append(args, f.CursorIssuedAt, f.CursorIssuedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + tokenColumns + ` FROM decision_tokens ` + where + ` ORDER BY issued_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
