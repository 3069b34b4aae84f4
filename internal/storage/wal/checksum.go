package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 校驗範圍: Seq + Type + Data
// 不包含 Timestamp，Timestamp 只用於診斷
func CalculateChecksum(eventType EventType, data []byte, seq uint64) uint32 {
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)

	h := crc32.NewIEEE()
	h.Write(seqBuf[:])
	h.Write([]byte(eventType))
	h.Write(data)
	return h.Sum32()
}

// VerifyChecksum 驗證事件的校驗和；不符時回傳 *ChecksumError
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event.Type, event.Data, event.Seq)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
