package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists and queries audit entries.
type Repository interface {
	Insert(ctx context.Context, e Entry) error
	// Window returns up to limit entries newest first, skipping offset.
	Window(ctx context.Context, f TimelineFilters, offset, limit int) ([]Entry, error)
	All(ctx context.Context, f TimelineFilters) ([]Entry, error)
}

// PostgresStore writes records into audit_logs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Insert persists the entry.
func (s *PostgresStore) Insert(ctx context.Context, e Entry) error {
	metaJSON, err := json.Marshal(e.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	var at *time.Time
	if !e.At.IsZero() {
		at = &e.At
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`,
		e.ActorID, e.Action, e.Entity, e.EntityID, metaJSON, at)
	return err
}

// Window implements Repository.
func (s *PostgresStore) Window(ctx context.Context, f TimelineFilters, offset, limit int) ([]Entry, error) {
	where, args := filterClause(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT actor_id, action, entity, entity_id, meta, occurred_at FROM audit_logs %s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args))
	return s.query(ctx, query, args...)
}

// All implements Repository.
func (s *PostgresStore) All(ctx context.Context, f TimelineFilters) ([]Entry, error) {
	where, args := filterClause(f)
	return s.query(ctx, `SELECT actor_id, action, entity, entity_id, meta, occurred_at FROM audit_logs `+where+` ORDER BY occurred_at DESC, id DESC`, args...)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e    Entry
			meta []byte
		)
		if err := row.Scan(&e.ActorID, &e.Action, &e.Entity, &e.EntityID, &meta, &e.At); err != nil {
			return Entry{}, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return Entry{}, fmt.Errorf("audit: decode meta: %w", err)
			}
		}
		e.At = e.At.UTC()
		return e, nil
	})
}

func filterClause(f TimelineFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.ActorID != 0 {
		add("actor_id = $%d", f.ActorID)
	}
	if v := strings.TrimSpace(f.Entity); v != "" {
		add("entity = $%d", v)
	}
	if v := strings.TrimSpace(f.EntityID); v != "" {
		add("entity_id = $%d", v)
	}
	if v := strings.TrimSpace(f.Action); v != "" {
		add("action = $%d", v)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert implements Repository.
func (s *MemoryStore) Insert(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

// Window implements Repository.
func (s *MemoryStore) Window(ctx context.Context, f TimelineFilters, offset, limit int) ([]Entry, error) {
	all, _ := s.All(ctx, f)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// All implements Repository.
func (s *MemoryStore) All(ctx context.Context, f TimelineFilters) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if f.matches(s.entries[i]) {
			out = append(out, s.entries[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	return out, nil
}
