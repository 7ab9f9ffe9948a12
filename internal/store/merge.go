package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"

	"github.com/devrev/tabsync/internal/model"
)

// cellClock is the locally recorded clock of one (table, pk, cid) cell.
type cellClock struct {
	colVersion int64
	site       []byte
	cl         int64
}

// newer reports whether r supersedes c under last-writer-wins.
func (c *cellClock) newer(r model.ChangeRecord) bool {
	if c == nil {
		return true
	}
	if r.CausalLength != c.cl {
		return r.CausalLength > c.cl
	}
	if r.ColumnVersion != c.colVersion {
		return r.ColumnVersion > c.colVersion
	}
	return bytes.Compare(r.OriginSiteID, c.site) > 0
}

func (t *sqliteTx) ApplyChange(ctx context.Context, r model.ChangeRecord) (bool, error) {
	info, ok := t.store.table(r.Table)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotTracked, r.Table)
	}
	if len(r.PrimaryKey) == 0 || r.OriginSiteID.IsZero() {
		return false, fmt.Errorf("change for %s is missing its primary key or site id", r.Table)
	}
	if r.ColumnID != model.DeleteColumnID && !info.hasColumn(r.ColumnID) {
		return false, fmt.Errorf("unknown column %s.%s", r.Table, r.ColumnID)
	}
	if r.CausalLength == 0 {
		r.CausalLength = 1
	}

	if err := t.setState(ctx, stateApplying, 1); err != nil {
		return false, err
	}
	applied, err := t.merge(ctx, info, r)
	if err != nil {
		return false, err
	}
	if err := t.setState(ctx, stateApplying, 0); err != nil {
		return false, err
	}
	return applied, nil
}

func (t *sqliteTx) merge(ctx context.Context, info *tableInfo, r model.ChangeRecord) (bool, error) {
	key := decodeKey(r.PrimaryKey, info.pkType)
	sentinel, err := t.clock(ctx, r.Table, r.PrimaryKey, model.DeleteColumnID)
	if err != nil {
		return false, err
	}

	if r.ColumnID == model.DeleteColumnID {
		if !sentinel.newer(r) {
			return false, nil
		}
		if err := t.record(ctx, r); err != nil {
			return false, err
		}
		if r.CausalLength%2 == 0 {
			_, err = t.tx.ExecContext(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, quoteIdent(info.name), quoteIdent(info.pk)), key)
		} else {
			err = t.ensureRow(ctx, info, key)
		}
		if err != nil {
			return false, fmt.Errorf("failed to apply row state to %s: %w", r.Table, err)
		}
		return true, nil
	}

	localCL := int64(0)
	if sentinel != nil {
		localCL = sentinel.cl
	}
	// Column writes only exist while the row is alive.
	if r.CausalLength < localCL || r.CausalLength%2 == 0 {
		return false, nil
	}
	cell, err := t.clock(ctx, r.Table, r.PrimaryKey, r.ColumnID)
	if err != nil {
		return false, err
	}
	if !cell.newer(r) {
		return false, nil
	}

	if r.CausalLength > localCL {
		alive := r
		alive.ColumnID = model.DeleteColumnID
		alive.Value = nil
		alive.ColumnVersion = 1
		if sentinel != nil {
			alive.ColumnVersion = sentinel.colVersion
		}
		if err := t.record(ctx, alive); err != nil {
			return false, err
		}
	}
	if err := t.ensureRow(ctx, info, key); err != nil {
		return false, fmt.Errorf("failed to create row in %s: %w", r.Table, err)
	}
	_, err = t.tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = ? WHERE %s = ?`,
			quoteIdent(info.name), quoteIdent(r.ColumnID), quoteIdent(info.pk)),
		normalizeValue(r.Value), key)
	if err != nil {
		return false, fmt.Errorf("failed to update %s.%s: %w", r.Table, r.ColumnID, err)
	}
	if err := t.record(ctx, r); err != nil {
		return false, err
	}
	return true, nil
}

func (t *sqliteTx) ensureRow(ctx context.Context, info *tableInfo, key any) error {
	_, err := t.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?)`, quoteIdent(info.name), quoteIdent(info.pk)), key)
	return err
}

func (t *sqliteTx) clock(ctx context.Context, table string, pk []byte, cid string) (*cellClock, error) {
	var c cellClock
	err := t.tx.QueryRowContext(ctx, `
		SELECT col_version, site_id, cl
		FROM `+changesTable+`
		WHERE tbl = ? AND pk = ? AND cid = ?`, table, pk, cid).Scan(&c.colVersion, &c.site, &c.cl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read clock for %s: %w", table, err)
	}
	return &c, nil
}

// record stores r in the change log, keeping its origin site and version.
func (t *sqliteTx) record(ctx context.Context, r model.ChangeRecord) error {
	_, err := t.tx.ExecContext(ctx, insertChange+`VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tbl, pk, cid) DO UPDATE SET
			val = excluded.val, col_version = excluded.col_version, db_version = excluded.db_version,
			site_id = excluded.site_id, cl = excluded.cl, seq = excluded.seq`,
		r.Table, r.PrimaryKey, r.ColumnID, normalizeValue(r.Value), r.ColumnVersion,
		r.DatabaseVersion, []byte(r.OriginSiteID), r.CausalLength, r.Sequence)
	if err != nil {
		return fmt.Errorf("failed to record change for %s: %w", r.Table, err)
	}
	return nil
}
