// Package store implements the permission resolver against Postgres
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Config configures the SQL resolver connection
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// SQLResolver answers permission lookups from the user_permissions and
// resource_grants tables. Expired grants never count.
type SQLResolver struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to Postgres and returns a resolver over the connection
func Open(cfg Config, logger *zap.Logger) (*SQLResolver, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewSQLResolver(db, logger), nil
}

// NewSQLResolver wraps an existing connection
func NewSQLResolver(db *sql.DB, logger *zap.Logger) *SQLResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLResolver{db: db, logger: logger}
}

// DB exposes the underlying connection for migrations and index maintenance
func (r *SQLResolver) DB() *sql.DB {
	return r.db
}

// Resolve reports whether a user holds a permission code
func (r *SQLResolver) Resolve(ctx context.Context, userID, permissionCode string) (bool, error) {
	const q = `SELECT EXISTS(
		SELECT 1 FROM user_permissions
		WHERE user_id = $1 AND permission_code = $2
		  AND (expires_at IS NULL OR expires_at > now())
	)`

	var allowed bool
	if err := r.db.QueryRowContext(ctx, q, userID, permissionCode).Scan(&allowed); err != nil {
		return false, fmt.Errorf("resolve permission: %w", err)
	}
	return allowed, nil
}

// ResolveResource reports whether a user may perform an action on a resource.
// A grant with an empty resource_id covers every resource of the type.
func (r *SQLResolver) ResolveResource(ctx context.Context, userID, resourceType, resourceID, action string) (bool, error) {
	const q = `SELECT EXISTS(
		SELECT 1 FROM resource_grants
		WHERE user_id = $1 AND resource_type = $2 AND action = $4
		  AND (resource_id = $3 OR resource_id = '')
		  AND (expires_at IS NULL OR expires_at > now())
	)`

	var allowed bool
	if err := r.db.QueryRowContext(ctx, q, userID, resourceType, resourceID, action).Scan(&allowed); err != nil {
		return false, fmt.Errorf("resolve resource grant: %w", err)
	}
	return allowed, nil
}

// ResolveBatch answers one permission code for many users in a single query
func (r *SQLResolver) ResolveBatch(ctx context.Context, userIDs []string, permissionCode string) (map[string]bool, error) {
	const q = `SELECT user_id FROM user_permissions
		WHERE user_id = ANY($1) AND permission_code = $2
		  AND (expires_at IS NULL OR expires_at > now())`

	rows, err := r.db.QueryContext(ctx, q, pq.Array(userIDs), permissionCode)
	if err != nil {
		return nil, fmt.Errorf("resolve permission batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(userIDs))
	for _, uid := range userIDs {
		out[uid] = false
	}
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		out[uid] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return out, nil
}

// Ping checks store reachability
func (r *SQLResolver) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the connection pool
func (r *SQLResolver) Close() error {
	return r.db.Close()
}
