package util

import (
	"hash/crc32"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum for data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data matches the expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}
