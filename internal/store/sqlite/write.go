package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/entsync/internal/store"
)

// Add inserts or replaces one item. A replaced item keeps its seq.
func (s *Store) Add(ctx context.Context, setName string, item store.Item) error {
	return s.AddRange(ctx, setName, []store.Item{item})
}

// AddRange upserts items in one transaction.
func (s *Store) AddRange(ctx context.Context, setName string, items []store.Item) error {
	return s.withTx(ctx, "add", func(tx *sql.Tx) error {
		for _, item := range items {
			data, err := item.Data.Encode()
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entities (set_name, key, state, data, seq)
				VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entities))
				ON CONFLICT(set_name, key) DO UPDATE SET state = excluded.state, data = excluded.data
			`, setName, item.Key, stateOrDefault(item.State), string(data))
			if err != nil {
				return fmt.Errorf("%s/%s: %w", setName, item.Key, err)
			}
		}
		return nil
	})
}

// Update replaces one existing item.
func (s *Store) Update(ctx context.Context, setName string, item store.Item) error {
	return s.UpdateRange(ctx, setName, []store.Item{item})
}

// UpdateRange replaces existing items; nothing is written when a key is missing.
func (s *Store) UpdateRange(ctx context.Context, setName string, items []store.Item) error {
	return s.withTx(ctx, "update", func(tx *sql.Tx) error {
		for _, item := range items {
			data, err := item.Data.Encode()
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE entities SET state = ?, data = ? WHERE set_name = ? AND key = ?`,
				stateOrDefault(item.State), string(data), setName, item.Key)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", setName, item.Key, err)
			}
			if n, err := res.RowsAffected(); err == nil && n == 0 {
				return fmt.Errorf("%s/%s: %w", setName, item.Key, store.ErrNotFound)
			}
		}
		return nil
	})
}

// Remove deletes one item. Missing keys are ignored.
func (s *Store) Remove(ctx context.Context, setName, key string) error {
	return s.RemoveRange(ctx, setName, []string{key})
}

// RemoveRange deletes items in one transaction.
func (s *Store) RemoveRange(ctx context.Context, setName string, keys []string) error {
	return s.withTx(ctx, "remove", func(tx *sql.Tx) error {
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM entities WHERE set_name = ? AND key = ?`, setName, key); err != nil {
				return fmt.Errorf("%s/%s: %w", setName, key, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func stateOrDefault(state string) string {
	if state == "" {
		return "unchanged"
	}
	return state
}
