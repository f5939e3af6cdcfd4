package repo

import (
	"context"
	"database/sql"

	"grantline/internal/domain"
)

func (r Repo) InsertBundle(ctx context.Context, tx *sql.Tx, b domain.ProofBundle) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO proof_bundles(id,enterprise_id,dt_id,content_json,content_hash,policy_snapshot_digest,created_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.EnterpriseID, nullableStringPtr(b.DTID), b.ContentJSON, b.ContentHash, b.PolicySnapshotDigest, b.CreatedAt)
	return err
}

func (r Repo) GetBundle(ctx context.Context, id string) (domain.ProofBundle, error) {
	var b domain.ProofBundle
	var dtID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,enterprise_id,dt_id,content_json,content_hash,policy_snapshot_digest,created_at FROM proof_bundles WHERE id=?`, id).
		Scan(&b.ID, &b.EnterpriseID, &dtID, &b.ContentJSON, &b.ContentHash, &b.PolicySnapshotDigest, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if dtID.Valid {
		b.DTID = &dtID.String
	}
	return b, nil
}

func (r Repo) InsertPolicyArtifact(ctx context.Context, tx *sql.Tx, p domain.PolicyArtifact) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO policy_artifacts(snapshot_id,digest,enterprise_id,content_json,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(snapshot_id) DO UPDATE SET digest=excluded.digest, content_json=excluded.content_json`,
		p.SnapshotID, p.Digest, nullable(p.EnterpriseID), nullable(p.ContentJSON), p.CreatedAt)
	return err
}

func (r Repo) GetPolicyArtifact(ctx context.Context, snapshotID string) (domain.PolicyArtifact, error) {
	var p domain.PolicyArtifact
	var enterpriseID, content sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_id,digest,enterprise_id,content_json,created_at FROM policy_artifacts WHERE snapshot_id=?`, snapshotID).
		Scan(&p.SnapshotID, &p.Digest, &enterpriseID, &content, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if enterpriseID.Valid {
		p.EnterpriseID = enterpriseID.String
	}
	if content.Valid {
		p.ContentJSON = content.String
	}
	return p, nil
}

// GetPolicyArtifactByDigest looks up a policy artifact by its digest, used when
// a proof bundle references the digest rather than the snapshot id.
func (r Repo) GetPolicyArtifactByDigest(ctx context.Context, digest string) (domain.PolicyArtifact, error) {
	var p domain.PolicyArtifact
	var enterpriseID, content sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_id,digest,enterprise_id,content_json,created_at FROM policy_artifacts WHERE digest=? LIMIT 1`, digest).
		Scan(&p.SnapshotID, &p.Digest, &enterpriseID, &content, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if enterpriseID.Valid {
		p.EnterpriseID = enterpriseID.String
	}
	if content.Valid {
		p.ContentJSON = content.String
	}
	return p, nil
}
