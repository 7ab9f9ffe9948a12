package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/tabsync/internal/model"
)

var todoSchema = []string{
	`CREATE TABLE IF NOT EXISTS todo (id INTEGER PRIMARY KEY, title TEXT, done INTEGER DEFAULT 0)`,
}

func openTodo(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), Options{Schema: todoSchema, Tables: []string{"todo"}})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type todo struct {
	ID    int64
	Title string
}

func decodeTodo(row Row) (todo, error) {
	id, ok := row["id"].(int64)
	if !ok {
		return todo{}, fmt.Errorf("unexpected id %T", row["id"])
	}
	title, _ := row["title"].(string)
	return todo{ID: id, Title: title}, nil
}

func todos(t *testing.T, s Store) []todo {
	t.Helper()
	out, err := Query(context.Background(), s, decodeTodo, `SELECT id, title FROM todo ORDER BY id`)
	require.NoError(t, err)
	return out
}

func TestOpen_SiteIDIsStable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "worker.db")

	s, err := Open(ctx, Options{DSN: path, BusyTimeoutMS: 1000, Schema: todoSchema, Tables: []string{"todo"}})
	require.NoError(t, err)
	site, err := s.SiteID(ctx)
	require.NoError(t, err)
	assert.Len(t, site, 16)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, Options{DSN: path, BusyTimeoutMS: 1000, Schema: todoSchema, Tables: []string{"todo"}})
	require.NoError(t, err)
	defer reopened.Close()
	again, err := reopened.SiteID(ctx)
	require.NoError(t, err)
	assert.Equal(t, site, again)
}

func TestOpen_RejectsCompositeKey(t *testing.T) {
	_, err := Open(context.Background(), Options{
		Schema: []string{`CREATE TABLE pair (a TEXT, b TEXT, PRIMARY KEY (a, b))`},
		Tables: []string{"pair"},
	})
	assert.Error(t, err)
}

func TestExecute_RecordsChanges(t *testing.T) {
	ctx := context.Background()
	s := openTodo(t)
	site, _ := s.SiteID(ctx)

	res, err := s.Execute(ctx, `INSERT INTO todo (id, title) VALUES (?, ?)`, 1, "milk")
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowsAffected)

	changes, err := s.Changes(ctx, ChangeFilter{})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, model.DeleteColumnID, changes[0].ColumnID)
	assert.Equal(t, "title", changes[1].ColumnID)
	assert.Equal(t, "milk", changes[1].Value)
	for _, c := range changes {
		assert.Equal(t, "todo", c.Table)
		assert.Equal(t, []byte("1"), c.PrimaryKey)
		assert.EqualValues(t, 1, c.DatabaseVersion)
		assert.EqualValues(t, 1, c.CausalLength)
		assert.True(t, c.OriginSiteID.Equal(site))
	}

	_, err = s.Execute(ctx, `UPDATE todo SET title = ? WHERE id = ?`, "oat milk", 1)
	require.NoError(t, err)

	changes, err = s.Changes(ctx, ChangeFilter{SinceVersion: 1})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "title", changes[0].ColumnID)
	assert.EqualValues(t, 2, changes[0].ColumnVersion)
	assert.EqualValues(t, 2, changes[0].DatabaseVersion)

	v, err := s.DBVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)
}

func TestTransaction_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTodo(t)

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx Tx) error {
		if _, err := tx.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'a')`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Empty(t, todos(t, s))
	changes, err := s.Changes(ctx, ChangeFilter{})
	require.NoError(t, err)
	assert.Empty(t, changes)
	v, _ := s.DBVersion(ctx)
	assert.Zero(t, v)
}

func TestApplyAll_ReplicatesRows(t *testing.T) {
	ctx := context.Background()
	a := openTodo(t)
	b := openTodo(t)
	siteA, _ := a.SiteID(ctx)

	_, err := a.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'milk')`)
	require.NoError(t, err)
	changes, err := a.Changes(ctx, ChangeFilter{})
	require.NoError(t, err)

	tables, err := ApplyAll(ctx, b, changes)
	require.NoError(t, err)
	assert.Equal(t, []string{"todo"}, tables)
	assert.Equal(t, []todo{{ID: 1, Title: "milk"}}, todos(t, b))

	// Merged records keep their origin, and are not local writes.
	merged, err := b.Changes(ctx, ChangeFilter{SiteID: siteA})
	require.NoError(t, err)
	assert.Len(t, merged, len(changes))
	v, _ := b.DBVersion(ctx)
	assert.Zero(t, v)

	// Replaying is a no-op.
	tables, err = ApplyAll(ctx, b, changes)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestApplyAll_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	s := openTodo(t)
	_, err := s.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'local')`)
	require.NoError(t, err)
	local, _ := s.SiteID(ctx)

	remote := func(title string, version int64, site byte) model.ChangeRecord {
		return model.ChangeRecord{
			Table: "todo", PrimaryKey: []byte("1"), ColumnID: "title", Value: title,
			ColumnVersion: version, DatabaseVersion: 7, OriginSiteID: model.SiteID{site}, CausalLength: 1,
		}
	}

	_, err = ApplyAll(ctx, s, []model.ChangeRecord{remote("older", 0, 0xff)})
	require.NoError(t, err)
	assert.Equal(t, "local", todos(t, s)[0].Title)

	// Equal versions are broken by site id.
	if local[0] > 0 {
		_, err = ApplyAll(ctx, s, []model.ChangeRecord{remote("tie-lost", 1, local[0]-1)})
		require.NoError(t, err)
		assert.Equal(t, "local", todos(t, s)[0].Title)
	}

	tables, err := ApplyAll(ctx, s, []model.ChangeRecord{remote("newer", 2, 0x00)})
	require.NoError(t, err)
	assert.Equal(t, []string{"todo"}, tables)
	assert.Equal(t, "newer", todos(t, s)[0].Title)
}

func TestApplyAll_DeleteAndResurrect(t *testing.T) {
	ctx := context.Background()
	a := openTodo(t)
	b := openTodo(t)

	_, err := a.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'milk')`)
	require.NoError(t, err)
	initial, _ := a.Changes(ctx, ChangeFilter{})
	_, err = ApplyAll(ctx, b, initial)
	require.NoError(t, err)

	_, err = a.Execute(ctx, `DELETE FROM todo WHERE id = 1`)
	require.NoError(t, err)
	deletes, err := a.Changes(ctx, ChangeFilter{SinceVersion: 1})
	require.NoError(t, err)
	require.Len(t, deletes, 1)
	assert.True(t, deletes[0].IsDelete())

	_, err = ApplyAll(ctx, b, deletes)
	require.NoError(t, err)
	assert.Empty(t, todos(t, b))

	// The stale insert no longer resurrects the row.
	_, err = ApplyAll(ctx, b, initial)
	require.NoError(t, err)
	assert.Empty(t, todos(t, b))

	_, err = a.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'bread')`)
	require.NoError(t, err)
	again, _ := a.Changes(ctx, ChangeFilter{SinceVersion: 2})
	_, err = ApplyAll(ctx, b, again)
	require.NoError(t, err)
	assert.Equal(t, []todo{{ID: 1, Title: "bread"}}, todos(t, b))
}

func TestApplyChange_Rejects(t *testing.T) {
	ctx := context.Background()
	s := openTodo(t)

	_, err := ApplyAll(ctx, s, []model.ChangeRecord{{
		Table: "secrets", PrimaryKey: []byte("1"), ColumnID: "x", OriginSiteID: model.SiteID{1},
	}})
	assert.ErrorIs(t, err, ErrNotTracked)

	_, err = ApplyAll(ctx, s, []model.ChangeRecord{{
		Table: "todo", PrimaryKey: []byte("1"), ColumnID: "title = 1; --", OriginSiteID: model.SiteID{1},
	}})
	assert.Error(t, err)
}

func TestChanges_SiteFilters(t *testing.T) {
	ctx := context.Background()
	a := openTodo(t)
	b := openTodo(t)
	siteA, _ := a.SiteID(ctx)
	siteB, _ := b.SiteID(ctx)

	_, err := a.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'a')`)
	require.NoError(t, err)
	fromA, _ := a.Changes(ctx, ChangeFilter{})
	_, err = ApplyAll(ctx, b, fromA)
	require.NoError(t, err)
	_, err = b.Execute(ctx, `INSERT INTO todo (id, title) VALUES (2, 'b')`)
	require.NoError(t, err)

	own, err := b.Changes(ctx, ChangeFilter{SiteID: siteB})
	require.NoError(t, err)
	assert.Equal(t, int64(1), model.MaxVersion(own, siteB))
	for _, c := range own {
		assert.True(t, c.OriginSiteID.Equal(siteB))
	}

	foreign, err := b.Changes(ctx, ChangeFilter{ExcludeSiteID: siteB})
	require.NoError(t, err)
	for _, c := range foreign {
		assert.True(t, c.OriginSiteID.Equal(siteA))
	}
	assert.Len(t, foreign, len(fromA))
}

func TestExecute_NormalizesJSONNumbers(t *testing.T) {
	ctx := context.Background()
	s := openTodo(t)

	_, err := s.Execute(ctx, `INSERT INTO todo (id, title, done) VALUES (?, ?, ?)`,
		json.Number("3"), "x", json.Number("1"))
	require.NoError(t, err)

	rows, err := s.QueryRows(ctx, `SELECT id, done FROM todo`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0]["id"])
	assert.Equal(t, int64(1), rows[0]["done"])
}

func TestIsConstraintError(t *testing.T) {
	ctx := context.Background()
	s := openTodo(t)

	_, err := s.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'a')`)
	require.NoError(t, err)
	_, err = s.Execute(ctx, `INSERT INTO todo (id, title) VALUES (1, 'b')`)
	require.Error(t, err)
	assert.True(t, IsConstraintError(err))
	assert.False(t, IsConstraintError(errors.New("other")))
}
