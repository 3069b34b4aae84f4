package node

import (
	"context"
	"sync"

	"github.com/ChuLiYu/raft-sessions/internal/raft"
	"github.com/ChuLiYu/raft-sessions/internal/storage/wal"
)

// EntryKind 日誌項目的種類
type EntryKind int

const (
	EntryCommand EntryKind = iota // 會話或原語命令
	EntryInstall                  // 從主節點安裝的原語快照（重放時使用）
)

// Entry 已提交的日誌項目
type Entry struct {
	Index int64
	Kind  EntryKind
	Data  []byte
}

// ApplyFunc 依索引順序套用已提交的項目，每個項目恰好一次
type ApplyFunc func(e Entry)

// Log 為命令排序並保證提交後才套用
type Log interface {
	// Start 重放 after 之後的持久化項目，然後開始套用新提交的項目
	Start(after int64, apply ApplyFunc) error
	// Propose 提議命令；不是領導者時回傳 ErrNotLeader
	Propose(ctx context.Context, data []byte) error
	// Record 持久化已安裝的快照。必須在 Barrier 內呼叫。
	Record(index int64, data []byte) error
	// Barrier 在沒有「已寫入但未套用」的項目時執行 fn
	Barrier(fn func() error) error
	// Compact 在快照持久化後丟棄舊項目。必須在 Barrier 內呼叫。
	Compact() error
	Stop() error
}

// leaderElector 由複製日誌實作：角色由選舉決定而不是手動設定
type leaderElector interface {
	IsLeader() bool
	Leader() string
}

// ============================================================================
// 本地日誌：單一節點，先寫 WAL 再套用
// ============================================================================

type localLog struct {
	mu    sync.Mutex // 讓「寫入 WAL → 套用」成為一個不可分割的步驟
	wal   *wal.WAL
	apply ApplyFunc
}

// NewLocalLog 以 WAL 作為日誌；WAL 的 seq 就是日誌索引
func NewLocalLog(w *wal.WAL) Log {
	return &localLog{wal: w}
}

func (l *localLog) Start(after int64, apply ApplyFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 旋轉後的新 WAL 可能是空的，seq 必須從快照索引繼續
	l.wal.AdvanceTo(uint64(after))

	replayed := 0
	err := l.wal.Replay(func(event wal.Event) error {
		if event.Seq <= uint64(after) {
			return nil
		}
		entry := Entry{Index: int64(event.Seq), Data: event.Data}
		switch event.Type {
		case wal.EventCommand:
			entry.Kind = EntryCommand
		case wal.EventInstall:
			entry.Kind = EntryInstall
		default:
			log.Warn("Skipping unknown WAL event", "seq", event.Seq, "type", event.Type)
			return nil
		}
		apply(entry)
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	l.apply = apply
	log.Info("WAL replayed", "after", after, "events", replayed, "last_seq", l.wal.GetLastSeq())
	return nil
}

func (l *localLog) Propose(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.apply == nil {
		return ErrNotStarted
	}

	seq, err := l.wal.Append(wal.EventCommand, data, true)
	if err != nil {
		return err
	}
	l.apply(Entry{Index: int64(seq), Kind: EntryCommand, Data: data})
	return nil
}

func (l *localLog) Record(index int64, data []byte) error {
	l.wal.AdvanceTo(uint64(index))
	_, err := l.wal.Append(wal.EventInstall, data, true)
	return err
}

func (l *localLog) Barrier(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

func (l *localLog) Compact() error {
	return l.wal.Rotate()
}

func (l *localLog) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply = nil
	return l.wal.Close()
}

// ============================================================================
// 複製日誌：raft
// ============================================================================

type raftLog struct {
	rf      *raft.Raft
	applyCh chan raft.ApplyMsg
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
}

// NewRaftLog 以 raft 作為日誌；applyCh 必須是傳給 raft.NewRaft 的同一個通道
func NewRaftLog(rf *raft.Raft, applyCh chan raft.ApplyMsg) Log {
	return &raftLog{
		rf:      rf,
		applyCh: applyCh,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (l *raftLog) Start(_ int64, apply ApplyFunc) error {
	go func() {
		defer close(l.doneCh)
		for {
			select {
			case <-l.stopCh:
				return
			case msg := <-l.applyCh:
				// 新領導者的 no-op 只佔用索引
				if !msg.CommandValid {
					continue
				}
				apply(Entry{Index: msg.CommandIndex, Kind: EntryCommand, Data: msg.Command})
			}
		}
	}()
	l.rf.Start()
	return nil
}

func (l *raftLog) Propose(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, ok := l.rf.Propose(data); !ok {
		return ErrNotLeader
	}
	return nil
}

// Record 是 no-op：複製日誌只在記憶體中，重啟後由領導者重送
func (l *raftLog) Record(int64, []byte) error { return nil }

func (l *raftLog) Barrier(fn func() error) error { return fn() }

// Compact 不截斷 raft 日誌：落後的追隨者只能透過 AppendEntries 追上
func (l *raftLog) Compact() error { return nil }

func (l *raftLog) Stop() error {
	l.once.Do(func() {
		l.rf.Stop()
		close(l.stopCh)
		<-l.doneCh
	})
	return nil
}

func (l *raftLog) IsLeader() bool { return l.rf.IsLeader() }

func (l *raftLog) Leader() string { return l.rf.Leader() }
