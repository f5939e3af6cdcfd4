package repo

import (
	"context"
	"database/sql"

	"grantline/internal/domain"
)

const confirmationColumns = `id,dt_id,partner_id,confirmer_user_id,confirmer_role,confirmation_statement,accepted_controls_json,ip_address,user_agent,signature,signing_method,confirmed_at,expires_at,trace_id`

func scanConfirmation(scan func(dest ...any) error) (domain.PartnerConfirmation, error) {
	var c domain.PartnerConfirmation
	var confirmerUser, confirmerRole, controls, ip, ua, traceID sql.NullString
	err := scan(&c.ID, &c.DTID, &c.PartnerID, &confirmerUser, &confirmerRole, &c.ConfirmationStatement,
		&controls, &ip, &ua, &c.Signature, &c.SigningMethod, &c.ConfirmedAt, &c.ExpiresAt, &traceID)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if confirmerUser.Valid {
		c.ConfirmerUserID = confirmerUser.String
	}
	if confirmerRole.Valid {
		c.ConfirmerRole = confirmerRole.String
	}
	if controls.Valid {
		c.AcceptedControlsJSON = &controls.String
	}
	if ip.Valid {
		c.IPAddress = ip.String
	}
	if ua.Valid {
		c.UserAgent = ua.String
	}
	if traceID.Valid {
		c.TraceID = traceID.String
	}
	return c, nil
}

func (r Repo) InsertConfirmation(ctx context.Context, tx *sql.Tx, c domain.PartnerConfirmation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO partner_confirmations(`+confirmationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.DTID, c.PartnerID, nullable(c.ConfirmerUserID), nullable(c.ConfirmerRole), c.ConfirmationStatement,
		nullableStringPtr(c.AcceptedControlsJSON), nullable(c.IPAddress), nullable(c.UserAgent),
		c.Signature, c.SigningMethod, c.ConfirmedAt, c.ExpiresAt, nullable(c.TraceID))
	return err
}

func (r Repo) GetConfirmation(ctx context.Context, id string) (domain.PartnerConfirmation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM partner_confirmations WHERE id=?`, id)
	return scanConfirmation(row.Scan)
}

// GetConfirmationForToken returns the unique confirmation for (dt_id, partner_id).
func (r Repo) GetConfirmationForToken(ctx context.Context, dtID, partnerID string) (domain.PartnerConfirmation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM partner_confirmations WHERE dt_id=? AND partner_id=?`, dtID, partnerID)
	return scanConfirmation(row.Scan)
}

// FirstConfirmationForToken returns the confirmation for a token regardless of
// partner; there is at most one per (dt_id, partner_id) pair.
func (r Repo) FirstConfirmationForToken(ctx context.Context, dtID string) (domain.PartnerConfirmation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM partner_confirmations WHERE dt_id=? ORDER BY confirmed_at ASC LIMIT 1`, dtID)
	return scanConfirmation(row.Scan)
}
