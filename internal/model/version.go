package model

import "sync/atomic"

// VersionMark is a monotonic high-water mark. It only moves forward until Reset.
type VersionMark struct {
	v atomic.Int64
}

// Load returns the current mark.
func (m *VersionMark) Load() int64 {
	return m.v.Load()
}

// Advance moves the mark to v if v is greater than the current value.
// It reports whether the mark moved.
func (m *VersionMark) Advance(v int64) bool {
	for {
		cur := m.v.Load()
		if v <= cur {
			return false
		}
		if m.v.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Reset sets the mark back to zero. Only a full restart should do this.
func (m *VersionMark) Reset() {
	m.v.Store(0)
}
