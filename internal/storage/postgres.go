package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/contentdesk/internal/emailutil"
	"github.com/dgellow/contentdesk/internal/log"
	"github.com/dgellow/contentdesk/internal/storage/migrations"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const uniqueViolation = "23505"

var _ Storage = (*PostgresStorage)(nil)

// PostgresStorage keeps identities and OAuth states in Postgres
type PostgresStorage struct {
	db *sql.DB
}

// gooseUpContext is a seam for testing goose.UpContext
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// NewPostgresStorage opens the database, checks connectivity and applies
// the embedded migrations
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.LogInfoWithFields("postgres", "Postgres storage ready", nil)
	return NewPostgresStorageFromDB(db), nil
}

// NewPostgresStorageFromDB wraps an already opened and migrated database
func NewPostgresStorageFromDB(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations applies the embedded goose migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

func (s *PostgresStorage) UpsertIdentity(ctx context.Context, in Identity) (*Identity, error) {
	if in.LastLoginAt.IsZero() {
		in.LastLoginAt = time.Now()
	}

	query := `
		INSERT INTO identities (id, email, name, picture_url, created_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (email) DO UPDATE
		SET name = EXCLUDED.name,
		    picture_url = EXCLUDED.picture_url,
		    last_login_at = EXCLUDED.last_login_at
		RETURNING id, email, name, picture_url, created_at, last_login_at`

	var out Identity
	err := s.db.QueryRowContext(ctx, query,
		uuid.NewString(), emailutil.Normalize(in.Email), in.Name, in.PictureURL, in.LastLoginAt,
	).Scan(&out.ID, &out.Email, &out.Name, &out.PictureURL, &out.CreatedAt, &out.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &out, nil
}

func (s *PostgresStorage) GetIdentity(ctx context.Context, email string) (*Identity, error) {
	query := `
		SELECT id, email, name, picture_url, created_at, last_login_at
		FROM identities WHERE email = $1`

	var out Identity
	err := s.db.QueryRowContext(ctx, query, emailutil.Normalize(email)).
		Scan(&out.ID, &out.Email, &out.Name, &out.PictureURL, &out.CreatedAt, &out.LastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &out, nil
}

func (s *PostgresStorage) SaveState(ctx context.Context, state *OAuthState) error {
	query := `
		INSERT INTO oauth_states (state, platform, user_email, return_to, created_at, expires_at, used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		state.State, state.Platform, state.UserEmail, state.ReturnTo,
		state.CreatedAt, state.ExpiresAt, state.Used,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrStateExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ConsumeState marks the state used in a single conditional UPDATE, so two
// concurrent callers cannot both see used = FALSE
func (s *PostgresStorage) ConsumeState(ctx context.Context, state string, now time.Time) (*OAuthState, error) {
	query := `
		UPDATE oauth_states SET used = TRUE
		WHERE state = $1 AND used = FALSE AND expires_at > $2
		RETURNING state, platform, user_email, return_to, created_at, expires_at, used`

	var out OAuthState
	err := s.db.QueryRowContext(ctx, query, state, now).Scan(
		&out.State, &out.Platform, &out.UserEmail, &out.ReturnTo,
		&out.CreatedAt, &out.ExpiresAt, &out.Used,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &out, nil
}

func (s *PostgresStorage) PurgeStates(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE used = TRUE OR expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
