package wal

// ============================================================================
// WAL 測試檔案
// 職責：驗證追加、重放、校驗和、旋轉與崩潰後的續寫
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T) (*WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.wal")
	w, err := NewWAL(path, true)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, path
}

func collect(t *testing.T, w *WAL) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	w, _ := openTestWAL(t)

	for i, cmd := range []string{`{"op":"a"}`, `{"op":"b"}`, `{"op":"<c>"}`} {
		seq, err := w.Append(EventCommand, []byte(cmd), false)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	events := collect(t, w)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), w.GetLastSeq())
	assert.JSONEq(t, `{"op":"<c>"}`, string(events[2].Data))
	for _, e := range events {
		assert.NoError(t, VerifyChecksum(e))
	}
}

func TestAppendNormalizesData(t *testing.T) {
	w, _ := openTestWAL(t)

	_, err := w.Append(EventCommand, []byte("{\n  \"op\": \"a\"\n}"), true)
	require.NoError(t, err)
	_, err = w.Append(EventInstall, nil, true)
	require.NoError(t, err)

	_, err = w.Append(EventCommand, []byte("not json"), true)
	assert.Error(t, err)

	events := collect(t, w)
	require.Len(t, events, 2)
	assert.Equal(t, `{"op":"a"}`, string(events[0].Data))
	assert.Equal(t, "null", string(events[1].Data))
}

func TestBufferedAppendVisibleToReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buffered.wal")
	w, err := NewWAL(path, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(EventCommand, []byte(`{}`), false)
	require.NoError(t, err)
	assert.Len(t, collect(t, w), 1)
}

func TestReopenContinuesSeq(t *testing.T) {
	w, path := openTestWAL(t)
	for i := 0; i < 5; i++ {
		_, err := w.Append(EventCommand, []byte(`{}`), false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(5), reopened.GetLastSeq())

	seq, err := reopened.Append(EventCommand, []byte(`{}`), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), seq)
}

func TestAdvanceTo(t *testing.T) {
	w, _ := openTestWAL(t)
	w.AdvanceTo(40)
	w.AdvanceTo(10)
	seq, err := w.Append(EventCommand, []byte(`{}`), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), seq)
}

func TestAppendAfterClose(t *testing.T) {
	w, _ := openTestWAL(t)
	require.NoError(t, w.Close())
	_, err := w.Append(EventCommand, []byte(`{}`), true)
	assert.ErrorIs(t, err, ErrWALClosed)
	assert.NoError(t, w.Close())
}

// ============================================================================
// 損壞偵測
// ============================================================================

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	w, path := openTestWAL(t)
	_, err := w.Append(EventCommand, []byte(`{"op":"add","value":"x"}`), true)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte(`"x"`), []byte(`"y"`), 1)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	err = w.Replay(func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
	assert.Contains(t, ce.Error(), "seq=1")
}

func TestReopenTruncatesTornTail(t *testing.T) {
	w, path := openTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventCommand, []byte(`{}`), true)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"type":"COMM`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, ValidateWAL(path), ErrCorruptedWAL)

	reopened, err := NewWAL(path, true)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(3), reopened.GetLastSeq())

	seq, err := reopened.Append(EventCommand, []byte(`{}`), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.Len(t, collect(t, reopened), 4)
}

func TestHandlerErrorStopsReplay(t *testing.T) {
	w, _ := openTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventCommand, []byte(`{}`), true)
		require.NoError(t, err)
	}

	boom := errors.New("boom")
	seen := 0
	err := w.Replay(func(Event) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, seen)
}

// ============================================================================
// 旋轉
// ============================================================================

func TestRotateArchivesAndKeepsSeq(t *testing.T) {
	w, path := openTestWAL(t)
	for i := 0; i < 3; i++ {
		_, err := w.Append(EventCommand, []byte(`{}`), false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Rotate())

	archives, err := filepath.Glob(path + ".*.gz")
	require.NoError(t, err)
	assert.Len(t, archives, 1)
	assert.Empty(t, collect(t, w))

	seq, err := w.Append(EventCommand, []byte(`{}`), true)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	events := collect(t, w)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(4), events[0].Seq)
}

// ============================================================================
// 工具函式
// ============================================================================

func TestStatsAndDump(t *testing.T) {
	w, path := openTestWAL(t)
	_, err := w.Append(EventCommand, []byte(`{"op":"a"}`), true)
	require.NoError(t, err)
	_, err = w.Append(EventInstall, []byte(`{"name":"set"}`), true)
	require.NoError(t, err)

	stats, err := GetWALStats(path)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalEvents)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(2), stats.LastSeq)
	assert.Equal(t, 1, stats.EventTypes[EventInstall])

	var out strings.Builder
	require.NoError(t, DumpWAL(path, &out))
	assert.Contains(t, out.String(), "[Seq:2] INSTALL")

	empty, err := GetWALStats(filepath.Join(t.TempDir(), "missing.wal"))
	require.NoError(t, err)
	assert.Zero(t, empty.TotalEvents)
}

func TestGetLastEventEmpty(t *testing.T) {
	_, path := openTestWAL(t)
	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestEventJSONShape(t *testing.T) {
	e := Event{Seq: 7, Type: EventCommand, Data: json.RawMessage(`{"a":1}`), Timestamp: 1}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":7,"type":"COMMAND","data":{"a":1},"timestamp":1,"checksum":0}`, string(b))
}
