package model

import (
	"bytes"
	"encoding/hex"
	"sort"
)

// DeleteColumnID marks a change record that tombstones (or resurrects) a whole row.
const DeleteColumnID = "-1"

// SiteID identifies a database replica. It is always read from the store,
// never invented by the sync layer.
type SiteID []byte

// String returns the hex form of the site id.
func (s SiteID) String() string {
	return hex.EncodeToString(s)
}

// Equal reports whether two site ids are byte-equal.
func (s SiteID) Equal(other SiteID) bool {
	return bytes.Equal(s, other)
}

// IsZero reports whether the site id is unset.
func (s SiteID) IsZero() bool {
	return len(s) == 0
}

// ParseSiteID decodes the hex form produced by String.
func ParseSiteID(s string) (SiteID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return SiteID(b), nil
}

// ChangeRecord is a single column-level change produced by the store's
// change tracking. Records are immutable once produced.
type ChangeRecord struct {
	Table           string `json:"table" msgpack:"table"`
	PrimaryKey      []byte `json:"pk" msgpack:"pk"`
	ColumnID        string `json:"cid" msgpack:"cid"`
	Value           any    `json:"val" msgpack:"val"`
	ColumnVersion   int64  `json:"col_version" msgpack:"col_version"`
	DatabaseVersion int64  `json:"db_version" msgpack:"db_version"`
	OriginSiteID    SiteID `json:"site_id" msgpack:"site_id"`
	CausalLength    int64  `json:"cl" msgpack:"cl"`
	Sequence        int64  `json:"seq" msgpack:"seq"`
}

// IsDelete reports whether the record tombstones its row.
func (c ChangeRecord) IsDelete() bool {
	return c.ColumnID == DeleteColumnID && c.CausalLength%2 == 0
}

// ReplicaIdentity pairs the store's site id with a per-instance id used
// only for correlating messages between process contexts.
type ReplicaIdentity struct {
	SiteID     SiteID `json:"site_id"`
	InstanceID string `json:"instance_id"`
}

// SortChanges orders records by (db_version, seq), the per-origin ordering key.
func SortChanges(records []ChangeRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].DatabaseVersion != records[j].DatabaseVersion {
			return records[i].DatabaseVersion < records[j].DatabaseVersion
		}
		return records[i].Sequence < records[j].Sequence
	})
}

// MaxVersion returns the largest db_version among records that originate
// from site. It returns 0 when no record matches.
func MaxVersion(records []ChangeRecord, site SiteID) int64 {
	var max int64
	for _, r := range records {
		if r.OriginSiteID.Equal(site) && r.DatabaseVersion > max {
			max = r.DatabaseVersion
		}
	}
	return max
}

// Tables returns the distinct table names touched by records, sorted.
func Tables(records []ChangeRecord) []string {
	seen := make(map[string]struct{}, len(records))
	tables := make([]string, 0)
	for _, r := range records {
		if _, ok := seen[r.Table]; ok {
			continue
		}
		seen[r.Table] = struct{}{}
		tables = append(tables, r.Table)
	}
	sort.Strings(tables)
	return tables
}

// FilterOrigin splits records into those that originate from site and
// those that do not, preserving order.
func FilterOrigin(records []ChangeRecord, site SiteID) (own, foreign []ChangeRecord) {
	for _, r := range records {
		if r.OriginSiteID.Equal(site) {
			own = append(own, r)
		} else {
			foreign = append(foreign, r)
		}
	}
	return own, foreign
}

// ExecResult is the outcome of a write statement.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected" msgpack:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id" msgpack:"last_insert_id"`
}
