package model

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteID_RoundTrip(t *testing.T) {
	site := SiteID{0xde, 0xad, 0xbe, 0xef}
	assert.Equal(t, "deadbeef", site.String())

	parsed, err := ParseSiteID(site.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(site))
	assert.False(t, SiteID(nil).Equal(site))
	assert.True(t, SiteID(nil).IsZero())
}

func TestMaxVersion(t *testing.T) {
	a := SiteID{1}
	b := SiteID{2}
	records := []ChangeRecord{
		{Table: "todo", DatabaseVersion: 3, OriginSiteID: a},
		{Table: "todo", DatabaseVersion: 9, OriginSiteID: b},
		{Table: "todo", DatabaseVersion: 5, OriginSiteID: a},
	}

	assert.Equal(t, int64(5), MaxVersion(records, a))
	assert.Equal(t, int64(9), MaxVersion(records, b))
	assert.Equal(t, int64(0), MaxVersion(records, SiteID{3}))
	assert.Equal(t, int64(0), MaxVersion(nil, a))
}

func TestTablesAndFilterOrigin(t *testing.T) {
	own := SiteID{1}
	records := []ChangeRecord{
		{Table: "todo", OriginSiteID: own},
		{Table: "list", OriginSiteID: SiteID{2}},
		{Table: "todo", OriginSiteID: SiteID{2}},
	}

	assert.Equal(t, []string{"list", "todo"}, Tables(records))
	assert.Empty(t, Tables(nil))

	mine, theirs := FilterOrigin(records, own)
	assert.Len(t, mine, 1)
	assert.Len(t, theirs, 2)
	assert.Equal(t, "list", theirs[0].Table)
}

func TestSortChanges(t *testing.T) {
	records := []ChangeRecord{
		{DatabaseVersion: 2, Sequence: 0},
		{DatabaseVersion: 1, Sequence: 1},
		{DatabaseVersion: 1, Sequence: 0},
	}
	SortChanges(records)

	assert.Equal(t, int64(1), records[0].DatabaseVersion)
	assert.Equal(t, int64(0), records[0].Sequence)
	assert.Equal(t, int64(1), records[1].Sequence)
	assert.Equal(t, int64(2), records[2].DatabaseVersion)
}

func TestChangeRecord_IsDelete(t *testing.T) {
	assert.True(t, ChangeRecord{ColumnID: DeleteColumnID, CausalLength: 2}.IsDelete())
	assert.False(t, ChangeRecord{ColumnID: DeleteColumnID, CausalLength: 3}.IsDelete())
	assert.False(t, ChangeRecord{ColumnID: "title", CausalLength: 2}.IsDelete())
}

func TestVersionMark_Monotonic(t *testing.T) {
	var m VersionMark
	assert.True(t, m.Advance(5))
	assert.False(t, m.Advance(3))
	assert.False(t, m.Advance(5))
	assert.Equal(t, int64(5), m.Load())

	var wg sync.WaitGroup
	for i := int64(0); i < 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			m.Advance(v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(99), m.Load())

	m.Reset()
	assert.Equal(t, int64(0), m.Load())
}
