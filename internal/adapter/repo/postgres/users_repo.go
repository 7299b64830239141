package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepo persists and loads key-setup records keyed by username.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Get loads the record for a username.
func (r *UserRepo) Get(ctx domain.Context, username string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT username, full_name, COALESCE(public_key,''), COALESCE(private_key,''), setup_complete, created_at FROM users WHERE username=$1`
	row := r.Pool.QueryRow(ctx, q, username)
	var u domain.User
	if err := row.Scan(&u.Username, &u.FullName, &u.PublicKey, &u.PrivateKey, &u.SetupComplete, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=users.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=users.get: %w", err)
	}
	return u, nil
}

// Upsert writes the record, inserting or replacing by username. Empty
// key fields are stored as NULL so "no key yet" survives round trips.
func (r *UserRepo) Upsert(ctx domain.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "users"),
	)
	if u.Username == "" {
		return fmt.Errorf("op=users.upsert: empty username: %w", domain.ErrValidation)
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO users (username, full_name, public_key, private_key, setup_complete, created_at)
	VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6)
	ON CONFLICT (username)
	DO UPDATE SET full_name=EXCLUDED.full_name, public_key=EXCLUDED.public_key, private_key=EXCLUDED.private_key, setup_complete=EXCLUDED.setup_complete`
	_, err := r.Pool.Exec(ctx, q, u.Username, u.FullName, u.PublicKey, u.PrivateKey, u.SetupComplete, created)
	if err != nil {
		return fmt.Errorf("op=users.upsert: %w", err)
	}
	return nil
}
