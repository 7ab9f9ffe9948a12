package store

import (
	"context"
	"errors"

	"github.com/devrev/tabsync/internal/model"
)

// ErrNotTracked is returned when a change targets a table without change tracking.
var ErrNotTracked = errors.New("table is not tracked")

// Row is one result row keyed by column name.
type Row map[string]any

// ChangeFilter selects records from the change log. Zero values match everything.
type ChangeFilter struct {
	SinceVersion  int64
	SiteID        model.SiteID
	ExcludeSiteID model.SiteID
}

// Querier runs read statements.
type Querier interface {
	QueryRows(ctx context.Context, query string, args ...any) ([]Row, error)
}

// Tx is a store transaction. Everything done through it commits or rolls back together.
type Tx interface {
	Querier
	Execute(ctx context.Context, query string, args ...any) (model.ExecResult, error)
	// ApplyChange merges a record from another replica. It reports whether
	// the record won and changed local state.
	ApplyChange(ctx context.Context, record model.ChangeRecord) (bool, error)
}

// Store is the change-tracking SQL store used by both the sync client and the worker.
type Store interface {
	Querier
	Execute(ctx context.Context, query string, args ...any) (model.ExecResult, error)
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	SiteID(ctx context.Context) (model.SiteID, error)
	Changes(ctx context.Context, filter ChangeFilter) ([]model.ChangeRecord, error)
	Close() error
}

// Query runs query and decodes each row with decode.
func Query[T any](ctx context.Context, q Querier, decode func(Row) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ApplyAll merges records in one transaction and returns the distinct
// tables whose state changed.
func ApplyAll(ctx context.Context, s Store, records []model.ChangeRecord) ([]string, error) {
	var changed []model.ChangeRecord
	err := s.Transaction(ctx, func(tx Tx) error {
		for _, record := range records {
			applied, err := tx.ApplyChange(ctx, record)
			if err != nil {
				return err
			}
			if applied {
				changed = append(changed, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return model.Tables(changed), nil
}
