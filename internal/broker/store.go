package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	// ErrNoCredentials signals "no account information"; callers degrade
	// instead of failing the turn.
	ErrNoCredentials = errors.New("broker: no stored credentials")

	// ErrRefreshFailed distinguishes a failed token refresh from a failed
	// original operation.
	ErrRefreshFailed = errors.New("broker: access token refresh failed")
)

// CredentialContext is one user's broker credential record. AccessToken is
// empty until first minted and is mutated in place after a refresh.
type CredentialContext struct {
	UserID       int64  `db:"id"`
	AppKey       string `db:"kis_app_key"`
	AppSecret    string `db:"kis_app_secret"`
	AccessToken  string `db:"kis_access_token"`
	AccountNo    string `db:"account_no"`
	InvestorType string `db:"investor_type"`
}

// Store reads and writes broker credentials for a user.
type Store interface {
	Credentials(ctx context.Context, userID int64) (*CredentialContext, error)
	SaveAccessToken(ctx context.Context, userID int64, token string) error
}

// SQLStore backs Store with the users table.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Credentials(ctx context.Context, userID int64) (*CredentialContext, error) {
	var row struct {
		ID           int64          `db:"id"`
		AppKey       string         `db:"kis_app_key"`
		AppSecret    string         `db:"kis_app_secret"`
		AccessToken  sql.NullString `db:"kis_access_token"`
		AccountNo    string         `db:"account_no"`
		InvestorType sql.NullString `db:"investor_type"`
	}
	query := `SELECT id, kis_app_key, kis_app_secret, kis_access_token, account_no, investor_type
	          FROM users WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return &CredentialContext{
		UserID:       row.ID,
		AppKey:       row.AppKey,
		AppSecret:    row.AppSecret,
		AccessToken:  row.AccessToken.String,
		AccountNo:    row.AccountNo,
		InvestorType: row.InvestorType.String,
	}, nil
}

func (s *SQLStore) SaveAccessToken(ctx context.Context, userID int64, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET kis_access_token = $1, updated_at = NOW() WHERE id = $2`,
		token, userID)
	if err != nil {
		return fmt.Errorf("save access token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoCredentials
	}
	return nil
}
