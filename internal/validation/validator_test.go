package validation

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/model"
)

func TestValidateStatement(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		sql     string
		args    []any
		wantErr bool
	}{
		{"valid insert", "INSERT INTO todo VALUES (?, ?)", []any{int64(1), "milk"}, false},
		{"json number", "SELECT ?", []any{json.Number("4")}, false},
		{"blob", "SELECT ?", []any{[]byte{1}}, false},
		{"empty", "   ", nil, true},
		{"null byte", "SELECT 1\x00", nil, true},
		{"map arg", "SELECT ?", []any{map[string]any{}}, true},
		{"too large", strings.Repeat("x", MaxSQLSize+1), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStatement(tt.sql, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStatement_CustomLimits(t *testing.T) {
	v := NewValidatorWithLimits(100, 1, 4, 10)
	assert.Error(t, v.ValidateStatement("SELECT ?, ?", []any{1, 2}))
	assert.Error(t, v.ValidateStatement("SELECT ?", []any{"too long"}))
	assert.NoError(t, v.ValidateStatement("SELECT ?", []any{"ok"}))
}

func TestValidateChanges(t *testing.T) {
	v := NewValidator()
	good := model.ChangeRecord{
		Table: "todo", PrimaryKey: []byte("1"), ColumnID: "title", Value: "milk",
		ColumnVersion: 1, DatabaseVersion: 1, OriginSiteID: model.SiteID{1}, CausalLength: 1,
	}
	del := good
	del.ColumnID = model.DeleteColumnID
	del.CausalLength = 2

	assert.NoError(t, v.ValidateChanges([]model.ChangeRecord{good, del}))

	noSite := good
	noSite.OriginSiteID = nil
	assert.Error(t, v.ValidateChanges([]model.ChangeRecord{noSite}))

	noKey := good
	noKey.PrimaryKey = nil
	assert.Error(t, v.ValidateChanges([]model.ChangeRecord{noKey}))

	negative := good
	negative.DatabaseVersion = -1
	assert.Error(t, v.ValidateChanges([]model.ChangeRecord{negative}))

	badColumn := good
	badColumn.ColumnID = "ti\ntle"
	assert.Error(t, v.ValidateChanges([]model.ChangeRecord{badColumn}))

	small := NewValidatorWithLimits(100, 10, 10, 1)
	assert.Error(t, small.ValidateChanges([]model.ChangeRecord{good, good}))
}
