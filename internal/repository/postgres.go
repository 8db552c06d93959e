package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/admission-gateway/internal/domain"
	"github.com/lib/pq"
)

// Schema creates the tables read by the Postgres repositories.
const Schema = `
CREATE TABLE IF NOT EXISTS routers (
	id              BIGINT PRIMARY KEY,
	name            TEXT NOT NULL,
	strategy        TEXT NOT NULL DEFAULT 'shuffle',
	rotation_offset BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS providers (
	id                    TEXT NOT NULL,
	router_id             BIGINT NOT NULL REFERENCES routers(id) ON DELETE CASCADE,
	position              INT NOT NULL,
	model                 TEXT NOT NULL,
	performance_threshold DOUBLE PRECISION,
	max_parallel_requests BIGINT,
	qos_warn_only         BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (router_id, id)
);

CREATE TABLE IF NOT EXISTS roles (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL UNIQUE,
	permissions TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS limits (
	role_id   BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	router_id BIGINT NOT NULL REFERENCES routers(id) ON DELETE CASCADE,
	type      TEXT NOT NULL CHECK (type IN ('rpm', 'rpd', 'tpm', 'tpd')),
	value     BIGINT CHECK (value IS NULL OR value >= 0),
	PRIMARY KEY (role_id, router_id, type)
);

CREATE TABLE IF NOT EXISTS users (
	id       BIGINT PRIMARY KEY,
	role_id  BIGINT NOT NULL REFERENCES roles(id),
	priority BIGINT NOT NULL DEFAULT 0
);
`

// EnsureSchema applies Schema. Every statement is idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type PostgresRoleRepository struct {
	db *sql.DB
}

func NewPostgresRoleRepository(db *sql.DB) *PostgresRoleRepository {
	return &PostgresRoleRepository{db: db}
}

func (r *PostgresRoleRepository) ResolveLimits(ctx context.Context, roleID int64) ([]domain.Limit, error) {
	query := `
		SELECT r.id, l.router_id, l.type, l.value
		FROM roles r
		LEFT JOIN limits l ON l.role_id = r.id
		WHERE r.id = $1
		ORDER BY l.router_id, l.type
	`

	rows, err := r.db.QueryContext(ctx, query, roleID)
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}
	defer rows.Close()

	found := false
	limits := []domain.Limit{}
	for rows.Next() {
		var id int64
		var routerID, value sql.NullInt64
		var limitType sql.NullString

		if err := rows.Scan(&id, &routerID, &limitType, &value); err != nil {
			return nil, fmt.Errorf("scan limit: %w", err)
		}
		found = true

		// a role without limits yields one row of NULLs
		if !routerID.Valid {
			continue
		}

		l := domain.Limit{RouterID: routerID.Int64, Type: domain.LimitType(limitType.String)}
		if value.Valid {
			v := value.Int64
			l.Value = &v
		}
		limits = append(limits, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate limits: %w", err)
	}

	if !found {
		return nil, domain.ErrRoleNotFound
	}
	return limits, nil
}

func (r *PostgresRoleRepository) ResolvePermissions(ctx context.Context, roleID int64) ([]domain.Permission, error) {
	query := `SELECT permissions FROM roles WHERE id = $1`

	var perms pq.StringArray
	err := r.db.QueryRowContext(ctx, query, roleID).Scan(&perms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}

	out := make([]domain.Permission, len(perms))
	for i, p := range perms {
		out[i] = domain.Permission(p)
	}
	return out, nil
}

// CreateRole inserts a role with its permissions and limits in one transaction.
func (r *PostgresRoleRepository) CreateRole(ctx context.Context, role domain.Role) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	perms := make([]string, len(role.Permissions))
	for i, p := range role.Permissions {
		perms[i] = string(p)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO roles (id, name, permissions) VALUES ($1, $2, $3)`,
		role.ID, role.Name, pq.Array(perms),
	)
	if err != nil {
		return fmt.Errorf("insert role: %w", err)
	}

	for _, l := range role.Limits {
		var value sql.NullInt64
		if l.Value != nil {
			value = sql.NullInt64{Int64: *l.Value, Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO limits (role_id, router_id, type, value) VALUES ($1, $2, $3, $4)`,
			role.ID, l.RouterID, string(l.Type), value,
		)
		if err != nil {
			return fmt.Errorf("insert limit: %w", err)
		}
	}

	return tx.Commit()
}

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*domain.Identity, error) {
	query := `SELECT id, role_id, priority FROM users WHERE id = $1`

	var u domain.Identity
	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.RoleID, &u.Priority)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (r *PostgresUserRepository) Create(ctx context.Context, u domain.Identity) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, role_id, priority) VALUES ($1, $2, $3)`,
		u.ID, u.RoleID, u.Priority,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

type PostgresRouterDirectory struct {
	db *sql.DB
}

func NewPostgresRouterDirectory(db *sql.DB) *PostgresRouterDirectory {
	return &PostgresRouterDirectory{db: db}
}

func (r *PostgresRouterDirectory) GetRouter(ctx context.Context, routerID int64) (*domain.Router, error) {
	var rt domain.Router
	var strategy string

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, strategy FROM routers WHERE id = $1`, routerID,
	).Scan(&rt.ID, &rt.Name, &strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRouterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query router: %w", err)
	}

	rt.Strategy, err = domain.ParseRoutingStrategy(strategy)
	if err != nil {
		return nil, fmt.Errorf("router %d: %w", routerID, err)
	}

	query := `
		SELECT id, model, performance_threshold, max_parallel_requests, qos_warn_only
		FROM providers
		WHERE router_id = $1
		ORDER BY position, id
	`
	rows, err := r.db.QueryContext(ctx, query, routerID)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Provider
		var threshold sql.NullFloat64
		var maxParallel sql.NullInt64

		if err := rows.Scan(&p.ID, &p.Model, &threshold, &maxParallel, &p.QoS.WarnOnly); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if threshold.Valid {
			v := threshold.Float64
			p.QoS.PerformanceThreshold = &v
		}
		if maxParallel.Valid {
			v := maxParallel.Int64
			p.QoS.MaxParallelRequests = &v
		}
		rt.Providers = append(rt.Providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate providers: %w", err)
	}

	return &rt, nil
}

// NextOffset advances the persisted offset in a single statement, so
// concurrent callers never read the same value.
func (r *PostgresRouterDirectory) NextOffset(ctx context.Context, routerID int64) (int64, error) {
	query := `
		UPDATE routers
		SET rotation_offset = rotation_offset + 1
		WHERE id = $1
		RETURNING rotation_offset - 1
	`

	var offset int64
	err := r.db.QueryRowContext(ctx, query, routerID).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrRouterNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("advance rotation offset: %w", err)
	}
	return offset, nil
}

// CreateRouter inserts a router and its ordered providers in one transaction.
func (r *PostgresRouterDirectory) CreateRouter(ctx context.Context, rt domain.Router) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	strategy := rt.Strategy
	if strategy == "" {
		strategy = domain.RoutingShuffle
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO routers (id, name, strategy) VALUES ($1, $2, $3)`,
		rt.ID, rt.Name, string(strategy),
	)
	if err != nil {
		return fmt.Errorf("insert router: %w", err)
	}

	for i, p := range rt.Providers {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO providers (id, router_id, position, model, performance_threshold, max_parallel_requests, qos_warn_only)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.ID, rt.ID, i, p.Model, p.QoS.PerformanceThreshold, p.QoS.MaxParallelRequests, p.QoS.WarnOnly,
		)
		if err != nil {
			return fmt.Errorf("insert provider %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}
