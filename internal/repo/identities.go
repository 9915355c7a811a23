package repo

import (
	"context"
	"database/sql"

	"traceline/internal/domain"
)

const identityColumns = `id,email,password_hash,role,wallet,synthetic,created_at`

func scanIdentity(scan func(dest ...any) error) (domain.Identity, error) {
	var id domain.Identity
	err := scan(&id.ID, &id.Email, &id.PasswordHash, &id.Role, &id.Wallet, &id.Synthetic, &id.CreatedAt)
	if err == sql.ErrNoRows {
		return id, ErrNotFound
	}
	return id, err
}

func (r Repo) InsertIdentity(ctx context.Context, id domain.Identity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO identities(`+identityColumns+`) VALUES (?,?,?,?,?,?,?)`,
		id.ID, id.Email, id.PasswordHash, id.Role, id.Wallet, id.Synthetic, id.CreatedAt)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, id string) (domain.Identity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id=?`, id)
	return scanIdentity(row.Scan)
}

func (r Repo) GetIdentityByEmail(ctx context.Context, email string) (domain.Identity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email=?`, email)
	return scanIdentity(row.Scan)
}

func (r Repo) GetIdentityByWallet(ctx context.Context, wallet string) (domain.Identity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE wallet=? ORDER BY created_at ASC LIMIT 1`, wallet)
	return scanIdentity(row.Scan)
}

func (r Repo) ListIdentities(ctx context.Context) ([]domain.Identity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Identity
	for rows.Next() {
		id, err := scanIdentity(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, nil
}
