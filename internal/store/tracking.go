package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/model"
)

type tableInfo struct {
	name    string
	pk      string
	pkType  affinity
	columns []string
}

func (t *tableInfo) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c == name {
			return true
		}
	}
	return false
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// Track installs change-tracking triggers on table. It is idempotent.
func (s *SQLiteStore) Track(ctx context.Context, table string) error {
	info, err := s.describe(ctx, table)
	if err != nil {
		return err
	}
	for _, stmt := range triggerStatements(info) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install triggers on %s: %w", table, err)
		}
	}

	s.mu.Lock()
	s.tables[table] = info
	s.mu.Unlock()

	s.logger.Debug("Tracking table", zap.String("table", table), zap.Strings("columns", info.columns))
	return nil
}

func (s *SQLiteStore) table(name string) (*tableInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.tables[name]
	return info, ok
}

func (s *SQLiteStore) describe(ctx context.Context, table string) (*tableInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, type, pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	defer rows.Close()

	info := &tableInfo{name: table}
	pkCount := 0
	for rows.Next() {
		var name, declType string
		var pk int
		if err := rows.Scan(&name, &declType, &pk); err != nil {
			return nil, fmt.Errorf("failed to describe %s: %w", table, err)
		}
		if pk > 0 {
			pkCount++
			info.pk = name
			info.pkType = affinityOf(declType)
			continue
		}
		info.columns = append(info.columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case pkCount == 0 && len(info.columns) == 0:
		return nil, fmt.Errorf("table %s does not exist", table)
	case pkCount != 1:
		return nil, fmt.Errorf("table %s must have a single-column primary key", table)
	}
	return info, nil
}

const (
	nextVersionExpr = `(SELECT value FROM ` + stateTable + ` WHERE key = '` + stateDBVersion + `') + 1`
	seqExpr         = `(SELECT value FROM ` + stateTable + ` WHERE key = '` + stateSeq + `')`
	siteExpr        = `(SELECT id FROM ` + siteTable + ` LIMIT 1)`
	bumpSeq         = `UPDATE ` + stateTable + ` SET value = value + 1 WHERE key = '` + stateSeq + `';`
	guardExpr       = `(SELECT value FROM ` + stateTable + ` WHERE key = '` + stateApplying + `') = 0`
	insertChange    = `INSERT INTO ` + changesTable +
		` (tbl, pk, cid, val, col_version, db_version, site_id, cl, seq) `
)

func triggerStatements(t *tableInfo) []string {
	tbl := quoteLiteral(t.name)
	name := func(suffix string) string {
		return quoteIdent("__tabsync_" + t.name + "_" + suffix)
	}
	rowCL := func(ref string) string {
		return fmt.Sprintf(`COALESCE((SELECT cl FROM %s WHERE tbl = %s AND pk = CAST(%s.%s AS BLOB) AND cid = '%s'), 1)`,
			changesTable, tbl, ref, quoteIdent(t.pk), model.DeleteColumnID)
	}
	columnUpsert := ` ON CONFLICT (tbl, pk, cid) DO UPDATE SET
		val = excluded.val, col_version = col_version + 1, db_version = excluded.db_version,
		site_id = excluded.site_id, cl = excluded.cl, seq = excluded.seq;`

	var ins, upd strings.Builder
	fmt.Fprintf(&ins, "%s\n%sVALUES (%s, CAST(NEW.%s AS BLOB), '%s', NULL, 1, %s, %s, 1, %s)"+
		` ON CONFLICT (tbl, pk, cid) DO UPDATE SET
		col_version = col_version + 1, db_version = excluded.db_version, site_id = excluded.site_id,
		cl = CASE WHEN cl %% 2 = 0 THEN cl + 1 ELSE cl END, seq = excluded.seq;`,
		bumpSeq, insertChange, tbl, quoteIdent(t.pk), model.DeleteColumnID, nextVersionExpr, siteExpr, seqExpr)
	for _, col := range t.columns {
		fmt.Fprintf(&ins, "\n%s\n%sVALUES (%s, CAST(NEW.%s AS BLOB), %s, NEW.%s, 1, %s, %s, %s, %s)%s",
			bumpSeq, insertChange, tbl, quoteIdent(t.pk), quoteLiteral(col), quoteIdent(col),
			nextVersionExpr, siteExpr, rowCL("NEW"), seqExpr, columnUpsert)
		fmt.Fprintf(&upd, "\n%s\n%sSELECT %s, CAST(NEW.%s AS BLOB), %s, NEW.%s, 1, %s, %s, %s, %s WHERE NEW.%s IS NOT OLD.%s%s",
			bumpSeq, insertChange, tbl, quoteIdent(t.pk), quoteLiteral(col), quoteIdent(col),
			nextVersionExpr, siteExpr, rowCL("NEW"), seqExpr, quoteIdent(col), quoteIdent(col), columnUpsert)
	}

	del := fmt.Sprintf("%s\n%sVALUES (%s, CAST(OLD.%s AS BLOB), '%s', NULL, 1, %s, %s, 2, %s)"+
		` ON CONFLICT (tbl, pk, cid) DO UPDATE SET
		col_version = col_version + 1, db_version = excluded.db_version, site_id = excluded.site_id,
		cl = CASE WHEN cl %% 2 = 1 THEN cl + 1 ELSE cl END, seq = excluded.seq;`,
		bumpSeq, insertChange, tbl, quoteIdent(t.pk), model.DeleteColumnID, nextVersionExpr, siteExpr, seqExpr)

	table := quoteIdent(t.name)
	stmts := []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s WHEN %s BEGIN\n%s\nEND",
			name("insert"), table, guardExpr, ins.String()),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s WHEN %s BEGIN\n%s\nEND",
			name("delete"), table, guardExpr, del),
	}
	if len(t.columns) > 0 {
		stmts = append(stmts, fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s WHEN %s BEGIN%s\nEND",
			name("update"), table, guardExpr, upd.String()))
	}
	return stmts
}
