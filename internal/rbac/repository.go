package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nmang004/proxapeople-sub000/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// PostgresRepository stores overrides and role mappings in PostgreSQL. It
// implements both OverrideRepository and PolicySource.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the authorization tables when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("rbac: ensure schema: %w", err)
	}
	return nil
}

const overrideColumns = `u.id::text, u.user_id, res.name, p.action, u.granted, u.granted_by, u.granted_at, u.expires_at`

const overrideFrom = `
FROM rbac_user_permissions u
JOIN rbac_permissions p ON p.id = u.permission_id
JOIN rbac_resources res ON res.id = p.resource_id`

// InsertOverride implements OverrideRepository. The duplicate check and insert
// are serialised per (user, permission) with a transaction-scoped advisory lock.
// ReadCommitted is used so the check sees rows committed while waiting on the lock.
func (r *PostgresRepository) InsertOverride(ctx context.Context, o UserOverride, now time.Time) (UserOverride, error) {
	lockKey := fmt.Sprintf("rbac_override:%d:%s", o.UserID, o.Permission.ID())
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		permID, err := permissionID(ctx, tx, o.Permission)
		if err != nil {
			return err
		}
		var exists bool
		err = tx.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM rbac_user_permissions
	WHERE user_id = $1 AND permission_id = $2 AND (expires_at IS NULL OR expires_at > $3)
)`, o.UserID, permID, now).Scan(&exists)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if exists {
			return ErrDuplicateOverride
		}
		_, err = tx.Exec(ctx, `
INSERT INTO rbac_user_permissions (id, user_id, permission_id, granted, granted_by, granted_at, expires_at)
VALUES ($1::text::uuid, $2, $3, $4, $5, $6, $7)`,
			o.ID, o.UserID, permID, o.Granted, o.GrantedBy, o.GrantedAt, o.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		return nil
	})
	if err != nil {
		return UserOverride{}, err
	}
	return o, nil
}

func permissionID(ctx context.Context, q pgx.Tx, perm Permission) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
SELECT p.id FROM rbac_permissions p
JOIN rbac_resources res ON res.id = p.resource_id
WHERE res.name = $1 AND p.action = $2`, string(perm.Resource), string(perm.Action)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s not stored", ErrInvalidRequest, perm.ID())
		}
		return 0, fmt.Errorf("lookup permission: %w", err)
	}
	return id, nil
}

// DeleteOverride implements OverrideRepository.
func (r *PostgresRepository) DeleteOverride(ctx context.Context, id string) (UserOverride, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return UserOverride{}, false, nil
	}
	var o UserOverride
	found := false
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+overrideColumns+overrideFrom+` WHERE u.id = $1::text::uuid`, id)
		current, err := scanOverride(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rbac_user_permissions WHERE id = $1::text::uuid`, id); err != nil {
			return fmt.Errorf("delete override: %w", err)
		}
		o, found = current, true
		return nil
	})
	if err != nil {
		return UserOverride{}, false, err
	}
	return o, found, nil
}

// ListOverridesByUser implements OverrideRepository.
func (r *PostgresRepository) ListOverridesByUser(ctx context.Context, userID int64) ([]UserOverride, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+overrideFrom+`
WHERE u.user_id = $1
ORDER BY u.granted_at, u.id`, userID)
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

// ListOverridesForPermission implements OverrideRepository.
func (r *PostgresRepository) ListOverridesForPermission(ctx context.Context, userID int64, perm Permission) ([]UserOverride, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+overrideColumns+overrideFrom+`
WHERE u.user_id = $1 AND res.name = $2 AND p.action = $3
ORDER BY u.granted_at, u.id`, userID, string(perm.Resource), string(perm.Action))
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

// DeleteExpiredOverrides implements OverrideRepository.
func (r *PostgresRepository) DeleteExpiredOverrides(ctx context.Context, now time.Time) ([]UserOverride, error) {
	rows, err := r.pool.Query(ctx, `
WITH purged AS (
	DELETE FROM rbac_user_permissions
	WHERE expires_at IS NOT NULL AND expires_at <= $1
	RETURNING *
)
SELECT `+overrideColumns+`
FROM purged u
JOIN rbac_permissions p ON p.id = u.permission_id
JOIN rbac_resources res ON res.id = p.resource_id`, now)
	if err != nil {
		return nil, err
	}
	return collectOverrides(rows)
}

func scanOverride(row pgx.Row) (UserOverride, error) {
	var (
		o         UserOverride
		resource  string
		action    string
		expiresAt *time.Time
	)
	if err := row.Scan(&o.ID, &o.UserID, &resource, &action, &o.Granted, &o.GrantedBy, &o.GrantedAt, &expiresAt); err != nil {
		return UserOverride{}, err
	}
	o.Permission = Perm(Resource(resource), Action(action))
	o.GrantedAt = o.GrantedAt.UTC()
	if expiresAt != nil {
		exp := expiresAt.UTC()
		o.ExpiresAt = &exp
	}
	return o, nil
}

func collectOverrides(rows pgx.Rows) ([]UserOverride, error) {
	defer rows.Close()
	var out []UserOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadPolicy implements PolicySource from the resource, permission and role tables.
func (r *PostgresRepository) LoadPolicy(ctx context.Context) (PolicyDefinition, error) {
	var def PolicyDefinition

	rows, err := r.pool.Query(ctx, `
SELECT res.name, res.label, res.description, p.action, p.deprecated
FROM rbac_resources res
JOIN rbac_permissions p ON p.resource_id = res.id
ORDER BY res.name, p.id`)
	if err != nil {
		return def, fmt.Errorf("rbac: load resources: %w", err)
	}
	index := make(map[Resource]int)
	for rows.Next() {
		var name, label, description, action string
		var deprecated bool
		if err := rows.Scan(&name, &label, &description, &action, &deprecated); err != nil {
			rows.Close()
			return def, fmt.Errorf("rbac: scan resource: %w", err)
		}
		i, ok := index[Resource(name)]
		if !ok {
			def.Resources = append(def.Resources, ResourceDef{Name: Resource(name), Label: label, Description: description})
			i = len(def.Resources) - 1
			index[Resource(name)] = i
		}
		def.Resources[i].Actions = append(def.Resources[i].Actions, Action(action))
		if deprecated {
			def.Resources[i].Deprecated = append(def.Resources[i].Deprecated, Action(action))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, fmt.Errorf("rbac: load resources: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT name, label, parent FROM rbac_roles ORDER BY name`)
	if err != nil {
		return def, fmt.Errorf("rbac: load roles: %w", err)
	}
	roleIndex := make(map[Role]int)
	for rows.Next() {
		var name, label string
		var parent *string
		if err := rows.Scan(&name, &label, &parent); err != nil {
			rows.Close()
			return def, fmt.Errorf("rbac: scan role: %w", err)
		}
		role := RoleDef{Name: Role(name), Label: label}
		if parent != nil {
			role.Parents = []Role{Role(*parent)}
		}
		def.Roles = append(def.Roles, role)
		roleIndex[role.Name] = len(def.Roles) - 1
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return def, fmt.Errorf("rbac: load roles: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
SELECT rp.role, res.name, p.action
FROM rbac_role_permissions rp
JOIN rbac_permissions p ON p.id = rp.permission_id
JOIN rbac_resources res ON res.id = p.resource_id
ORDER BY rp.role, res.name, p.action`)
	if err != nil {
		return def, fmt.Errorf("rbac: load role permissions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role, resource, action string
		if err := rows.Scan(&role, &resource, &action); err != nil {
			return def, fmt.Errorf("rbac: scan role permission: %w", err)
		}
		i, ok := roleIndex[Role(role)]
		if !ok {
			continue
		}
		def.Roles[i].Permissions = append(def.Roles[i].Permissions, Perm(Resource(resource), Action(action)))
	}
	if err := rows.Err(); err != nil {
		return def, fmt.Errorf("rbac: load role permissions: %w", err)
	}
	return def, nil
}

// SyncPolicy writes def into the policy tables, adding what is missing and
// replacing role grants. Resources and permissions are never deleted so
// existing overrides stay valid. The definition is validated first.
func (r *PostgresRepository) SyncPolicy(ctx context.Context, def PolicyDefinition) error {
	if _, err := NewPolicy(def); err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, res := range def.Resources {
			var resID int64
			err := tx.QueryRow(ctx, `
INSERT INTO rbac_resources (name, label, description) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET label = EXCLUDED.label, description = EXCLUDED.description
RETURNING id`, string(res.Name), res.Label, res.Description).Scan(&resID)
			if err != nil {
				return fmt.Errorf("rbac: sync resource %s: %w", res.Name, err)
			}
			deprecated := make(map[Action]bool, len(res.Deprecated))
			for _, a := range res.Deprecated {
				deprecated[a] = true
			}
			for _, a := range res.Actions {
				_, err := tx.Exec(ctx, `
INSERT INTO rbac_permissions (resource_id, action, deprecated) VALUES ($1, $2, $3)
ON CONFLICT (resource_id, action) DO UPDATE SET deprecated = EXCLUDED.deprecated`, resID, string(a), deprecated[a])
				if err != nil {
					return fmt.Errorf("rbac: sync permission %s:%s: %w", res.Name, a, err)
				}
			}
		}
		// Parents are set in a second pass so insertion order does not matter.
		for _, role := range def.Roles {
			if _, err := tx.Exec(ctx, `
INSERT INTO rbac_roles (name, label) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET label = EXCLUDED.label`, string(role.Name), role.Label); err != nil {
				return fmt.Errorf("rbac: sync role %s: %w", role.Name, err)
			}
		}
		for _, role := range def.Roles {
			if len(role.Parents) > 1 {
				return fmt.Errorf("%w: role %s has %d parents, only one can be stored", ErrValidation, role.Name, len(role.Parents))
			}
			var parent *string
			if len(role.Parents) > 0 {
				p := string(role.Parents[0])
				parent = &p
			}
			if _, err := tx.Exec(ctx, `UPDATE rbac_roles SET parent = $2 WHERE name = $1`, string(role.Name), parent); err != nil {
				return fmt.Errorf("rbac: sync role parent %s: %w", role.Name, err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM rbac_role_permissions WHERE role = $1`, string(role.Name)); err != nil {
				return fmt.Errorf("rbac: reset grants %s: %w", role.Name, err)
			}
			for _, perm := range role.Permissions {
				permID, err := permissionID(ctx, tx, perm)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(ctx, `INSERT INTO rbac_role_permissions (role, permission_id) VALUES ($1, $2)`, string(role.Name), permID); err != nil {
					return fmt.Errorf("rbac: grant %s to %s: %w", perm.ID(), role.Name, err)
				}
			}
		}
		return nil
	})
}
