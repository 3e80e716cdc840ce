package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Account is one crawler credential.
type Account struct {
	ID              int64
	UID             string
	AccessKey       string
	ViewerID        int64 // 0 until the binding job runs
	Name            string
	ArenaGroup      int
	GrandArenaGroup int
	IsActive        bool
	Note            string
}

// GroupKind selects which arena-group membership AccountsByGroup keys
// on.
type GroupKind string

const (
	GroupArena      GroupKind = "arena"
	GroupGrandArena GroupKind = "grand_arena"
)

const accountColumns = `id, uid, access_key, COALESCE(viewer_id, 0), COALESCE(name, ''),
	arena_group, grand_arena_group, is_active, COALESCE(note, '')`

func scanAccounts(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.UID, &a.AccessKey, &a.ViewerID, &a.Name,
			&a.ArenaGroup, &a.GrandArenaGroup, &a.IsActive, &a.Note); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListActiveAccounts returns all active crawler accounts ordered by id.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE is_active = TRUE ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	return scanAccounts(rows)
}

// ListAccounts returns every account, active or not.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return scanAccounts(rows)
}

// AccountsByGroup returns one active account per arena group (first by
// id wins); group 0 means unassigned and is skipped.
func (s *Store) AccountsByGroup(ctx context.Context, kind GroupKind) (map[int]Account, error) {
	accounts, err := s.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return groupAccounts(accounts, kind), nil
}

func groupAccounts(accounts []Account, kind GroupKind) map[int]Account {
	out := make(map[int]Account)
	for _, a := range accounts {
		group := a.GrandArenaGroup
		if kind == GroupArena {
			group = a.ArenaGroup
		}
		if group > 0 {
			if _, taken := out[group]; !taken {
				out[group] = a
			}
		}
	}
	return out
}

// UpdateAccountBinding persists what the binding job learned from a
// logged-in account's own profile.
func (s *Store) UpdateAccountBinding(ctx context.Context, uid string, viewerID int64, name string, arenaGroup, grandArenaGroup int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET viewer_id = $2, name = $3, arena_group = $4, grand_arena_group = $5, updated_at = NOW()
		WHERE uid = $1`,
		uid, viewerID, name, arenaGroup, grandArenaGroup)
	if err != nil {
		return fmt.Errorf("update account %s: %w", uid, err)
	}
	return nil
}
