package raft

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// ============================================================================
// 測試輔助
// ============================================================================

type testCluster struct {
	transport *LocalTransport
	nodes     map[string]*Raft
	applyCh   map[string]chan ApplyMsg
}

func newTestCluster(t *testing.T, ids ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		transport: NewLocalTransport(),
		nodes:     make(map[string]*Raft),
		applyCh:   make(map[string]chan ApplyMsg),
	}
	for _, id := range ids {
		ch := make(chan ApplyMsg, 256)
		rf := NewRaft(Config{
			ID:                id,
			Peers:             ids,
			ElectionTimeout:   60 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
			RPCTimeout:        20 * time.Millisecond,
		}, NewMemoryLogStore(), c.transport, ch)
		c.transport.Register(rf)
		c.nodes[id] = rf
		c.applyCh[id] = ch
	}
	for _, rf := range c.nodes {
		rf.Start()
	}
	t.Cleanup(func() {
		for _, rf := range c.nodes {
			rf.Stop()
		}
	})
	return c
}

// waitLeader 等待恰好一個（未隔離的）領導者
func (c *testCluster) waitLeader(t *testing.T, exclude ...string) *Raft {
	t.Helper()
	skip := map[string]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	var leader *Raft
	require.Eventually(t, func() bool {
		leader = nil
		count := 0
		for id, rf := range c.nodes {
			if !skip[id] && rf.IsLeader() {
				leader = rf
				count++
			}
		}
		return count == 1
	}, 3*time.Second, 10*time.Millisecond)
	return leader
}

// nextCommand 讀取下一個有效命令，略過領導者的 no-op
func nextCommand(t *testing.T, ch chan ApplyMsg) ApplyMsg {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.CommandValid {
				return msg
			}
		case <-deadline:
			t.Fatal("timed out waiting for applied command")
			return ApplyMsg{}
		}
	}
}

// ============================================================================
// 選舉與複製
// ============================================================================

func TestSingleNodeElectsItselfAndCommits(t *testing.T) {
	c := newTestCluster(t, "solo")
	leader := c.waitLeader(t)
	assert.Equal(t, "solo", leader.Leader())

	index, term, ok := leader.Propose([]byte("hello"))
	require.True(t, ok)
	assert.Positive(t, term)

	msg := nextCommand(t, c.applyCh["solo"])
	assert.Equal(t, index, msg.CommandIndex)
	assert.Equal(t, []byte("hello"), msg.Command)
	assert.Equal(t, index, leader.CommitIndex())
}

func TestClusterReplicatesInOrder(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitLeader(t)

	var indexes []int64
	for i := 0; i < 5; i++ {
		index, _, ok := leader.Propose([]byte(fmt.Sprintf("cmd-%d", i)))
		require.True(t, ok)
		indexes = append(indexes, index)
	}

	for id, ch := range c.applyCh {
		for i := 0; i < 5; i++ {
			msg := nextCommand(t, ch)
			assert.Equal(t, indexes[i], msg.CommandIndex, "node %s", id)
			assert.Equal(t, fmt.Sprintf("cmd-%d", i), string(msg.Command), "node %s", id)
		}
	}
}

func TestFollowerRejectsProposal(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitLeader(t)
	for id, rf := range c.nodes {
		if id == leader.ID() {
			continue
		}
		_, _, ok := rf.Propose([]byte("x"))
		assert.False(t, ok)
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	old := c.waitLeader(t)

	_, _, ok := old.Propose([]byte("before"))
	require.True(t, ok)
	for _, ch := range c.applyCh {
		assert.Equal(t, "before", string(nextCommand(t, ch).Command))
	}

	c.transport.Disconnect(old.ID())
	leader := c.waitLeader(t, old.ID())
	require.NotEqual(t, old.ID(), leader.ID())

	_, _, ok = leader.Propose([]byte("after"))
	require.True(t, ok)
	for id, ch := range c.applyCh {
		if id == old.ID() {
			continue
		}
		assert.Equal(t, "after", string(nextCommand(t, ch).Command))
	}

	// 舊領導者回來後跟上新領導者的日誌
	c.transport.Reconnect(old.ID())
	assert.Equal(t, "after", string(nextCommand(t, c.applyCh[old.ID()]).Command))
	assert.Eventually(t, func() bool { return !old.IsLeader() }, time.Second, 10*time.Millisecond)
}

// ============================================================================
// RPC 處理
// ============================================================================

func newIdleRaft(id string) *Raft {
	return NewRaft(Config{ID: id, Peers: []string{id, "leader"}}, NewMemoryLogStore(), NewLocalTransport(), make(chan ApplyMsg, 16))
}

func TestRequestVoteChecksLogUpToDate(t *testing.T) {
	rf := newIdleRaft("f")
	require.NoError(t, rf.logStore.StoreLogs([]*LogEntry{{Term: 1, Index: 1}, {Term: 2, Index: 2}}))

	var reply RequestVoteReply
	rf.RequestVote(&RequestVoteArgs{Term: 3, CandidateID: "stale", LastLogIndex: 5, LastLogTerm: 1}, &reply)
	assert.False(t, reply.VoteGranted)
	assert.Equal(t, int64(3), reply.Term)

	reply = RequestVoteReply{}
	rf.RequestVote(&RequestVoteArgs{Term: 3, CandidateID: "fresh", LastLogIndex: 2, LastLogTerm: 2}, &reply)
	assert.True(t, reply.VoteGranted)

	// 同一任期只投一票
	reply = RequestVoteReply{}
	rf.RequestVote(&RequestVoteArgs{Term: 3, CandidateID: "other", LastLogIndex: 9, LastLogTerm: 3}, &reply)
	assert.False(t, reply.VoteGranted)
}

func TestAppendEntriesConsistencyAndTruncation(t *testing.T) {
	rf := newIdleRaft("f")
	require.NoError(t, rf.logStore.StoreLogs([]*LogEntry{
		{Term: 1, Index: 1, Command: []byte("a")},
		{Term: 1, Index: 2, Command: []byte("b")},
		{Term: 1, Index: 3, Command: []byte("stale")},
	}))

	// prevLogIndex 超出日誌
	var reply AppendEntriesReply
	rf.AppendEntries(&AppendEntriesArgs{Term: 2, LeaderID: "leader", PrevLogIndex: 7, PrevLogTerm: 2}, &reply)
	assert.False(t, reply.Success)
	assert.Equal(t, int64(4), reply.ConflictIndex)

	// 任期不符
	reply = AppendEntriesReply{}
	rf.AppendEntries(&AppendEntriesArgs{Term: 2, LeaderID: "leader", PrevLogIndex: 2, PrevLogTerm: 2}, &reply)
	assert.False(t, reply.Success)

	// 衝突的第 3 筆被截斷並取代
	reply = AppendEntriesReply{}
	rf.AppendEntries(&AppendEntriesArgs{
		Term: 2, LeaderID: "leader", PrevLogIndex: 2, PrevLogTerm: 1,
		Entries:      []LogEntry{{Term: 2, Index: 3, Command: []byte("c")}, {Term: 2, Index: 4, Command: []byte("d")}},
		LeaderCommit: 3,
	}, &reply)
	require.True(t, reply.Success)

	entry, err := rf.logStore.GetLog(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), entry.Command)
	last, _ := rf.logStore.LastIndex()
	assert.Equal(t, int64(4), last)
	assert.Equal(t, int64(3), rf.CommitIndex())
	assert.Equal(t, "leader", rf.Leader())

	// 過期任期被拒絕
	reply = AppendEntriesReply{}
	rf.AppendEntries(&AppendEntriesArgs{Term: 1, LeaderID: "old"}, &reply)
	assert.False(t, reply.Success)
	assert.Equal(t, int64(2), reply.Term)
}

// ============================================================================
// 日誌儲存
// ============================================================================

func TestMemoryLogStore(t *testing.T) {
	s := NewMemoryLogStore()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, s.StoreLog(&LogEntry{Term: 1, Index: i}))
	}
	assert.ErrorIs(t, s.StoreLog(&LogEntry{Term: 1, Index: 9}), ErrIndexOutOfRange)

	require.NoError(t, s.DeleteRange(4, 5))
	last, _ := s.LastIndex()
	assert.Equal(t, int64(3), last)

	require.NoError(t, s.DeleteRange(0, 1))
	first, _ := s.FirstIndex()
	assert.Equal(t, int64(2), first)
	_, err := s.GetLog(1)
	assert.ErrorIs(t, err, ErrLogNotFound)

	assert.ErrorIs(t, s.DeleteRange(0, 10), ErrIndexOutOfRange)
}

// 日誌不壓縮：落後的追隨者只靠 AppendEntries 從第一筆開始追上
func TestLaggingFollowerCatchesUpFromFullLog(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	leader := c.waitLeader(t)
	var lagging string
	for id := range c.nodes {
		if id != leader.ID() {
			lagging = id
			break
		}
	}

	c.transport.Disconnect(lagging)
	for i := 0; i < 4; i++ {
		_, _, ok := leader.Propose([]byte(fmt.Sprintf("cmd-%d", i)))
		require.True(t, ok)
	}
	for i := 0; i < 4; i++ {
		nextCommand(t, c.applyCh[leader.ID()])
	}

	first, _ := leader.logStore.FirstIndex()
	assert.Equal(t, int64(0), first, "applied entries stay in the log")

	c.transport.Reconnect(lagging)
	for i := 0; i < 4; i++ {
		assert.Equal(t, fmt.Sprintf("cmd-%d", i), string(nextCommand(t, c.applyCh[lagging]).Command))
	}
}

// ============================================================================
// gRPC 傳輸
// ============================================================================

func TestGrpcTransportRoundTrip(t *testing.T) {
	rf := newIdleRaft("remote")
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterGRPC(gs, rf)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	pool := rpc.NewPool(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	tr := NewGrpcTransport(map[string]string{"remote": "passthrough:///bufnet"}, pool)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	vote, err := tr.SendRequestVote(ctx, "remote", &RequestVoteArgs{Term: 1, CandidateID: "leader"})
	require.NoError(t, err)
	assert.True(t, vote.VoteGranted)

	reply, err := tr.SendAppendEntries(ctx, "remote", &AppendEntriesArgs{
		Term: 1, LeaderID: "leader",
		Entries:      []LogEntry{{Term: 1, Index: 1, Command: []byte(`{"op":"x"}`)}, {Term: 1, Index: 2, Command: []byte{}}},
		LeaderCommit: 2,
	})
	require.NoError(t, err)
	assert.True(t, reply.Success)

	entry, err := rf.logStore.GetLog(2)
	require.NoError(t, err)
	assert.NotNil(t, entry.Command, "empty commands survive the JSON codec")
}
