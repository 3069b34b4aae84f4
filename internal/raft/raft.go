// Package raft 實作會話底下的複製引擎：領導者選舉、日誌複製、多數提交與依序套用
package raft

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// State represents the Raft node state
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// LogEntry represents a log entry. A nil Command is the no-op a new leader
// appends to commit entries from earlier terms.
type LogEntry struct {
	Term    int64  `json:"term"`
	Index   int64  `json:"index"`
	Command []byte `json:"command"`
}

// Config holds Raft configuration
type Config struct {
	ID                string
	Peers             []string // IDs of every member, may include ID itself
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration
	RPCTimeout        time.Duration
}

func (c Config) withDefaults() Config {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 300 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 100 * time.Millisecond
	}
	return c
}

// Transport defines the interface for sending RPCs to peers
type Transport interface {
	SendRequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
}

// Raft implements the Raft consensus algorithm
type Raft struct {
	mu sync.Mutex

	// Persistent state
	currentTerm int64
	votedFor    string
	logStore    LogStore

	// Snapshot metadata
	lastIncludedIndex int64
	lastIncludedTerm  int64

	// Volatile state
	state       State
	leaderID    string
	commitIndex int64
	lastApplied int64

	// Volatile state on leaders
	nextIndex  map[string]int64
	matchIndex map[string]int64

	// Channels
	applyCh     chan ApplyMsg
	applyNotify chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	loops       sync.WaitGroup

	config    Config
	peers     []string // members other than config.ID
	transport Transport
	logger    *slog.Logger

	// Timers
	electionTimer  *time.Timer
	heartbeatTimer *time.Ticker
}

// ApplyMsg is used to send committed entries to the state machine.
// CommandValid is false for leader no-ops; the index is still consumed.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex int64
	CommandTerm  int64
}

// NewRaft creates a new Raft instance
func NewRaft(config Config, store LogStore, trans Transport, applyCh chan ApplyMsg) *Raft {
	config = config.withDefaults()
	peers := make([]string, 0, len(config.Peers))
	for _, p := range config.Peers {
		if p != config.ID {
			peers = append(peers, p)
		}
	}
	rf := &Raft{
		state:          Follower,
		config:         config,
		peers:          peers,
		logStore:       store,
		transport:      trans,
		applyCh:        applyCh,
		applyNotify:    make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		logger:         slog.With("component", "raft", "id", config.ID),
		heartbeatTimer: time.NewTicker(config.HeartbeatInterval),
		nextIndex:      make(map[string]int64),
		matchIndex:     make(map[string]int64),
	}
	first, _ := store.FirstIndex()
	rf.lastIncludedIndex = first
	if entry, err := store.GetLog(first); err == nil {
		rf.lastIncludedTerm = entry.Term
	}
	rf.commitIndex = first
	rf.lastApplied = first
	rf.electionTimer = time.NewTimer(rf.randomElectionTimeout())
	return rf
}

// Start starts the Raft node
func (rf *Raft) Start() {
	rf.loops.Add(3)
	go rf.runElectionLoop()
	go rf.runHeartbeatLoop()
	go rf.runApplyLoop()
}

// Stop stops all loops. Safe to call more than once.
func (rf *Raft) Stop() {
	rf.stopOnce.Do(func() {
		close(rf.stopCh)
		rf.heartbeatTimer.Stop()
		rf.mu.Lock()
		rf.electionTimer.Stop()
		rf.mu.Unlock()
		rf.loops.Wait()
	})
}

func (rf *Raft) runElectionLoop() {
	defer rf.loops.Done()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.electionTimer.C:
			rf.mu.Lock()
			if rf.state != Leader {
				rf.startElection()
			}
			rf.resetElectionTimer()
			rf.mu.Unlock()
		}
	}
}

func (rf *Raft) runHeartbeatLoop() {
	defer rf.loops.Done()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.heartbeatTimer.C:
			rf.mu.Lock()
			if rf.state == Leader {
				rf.broadcastHeartbeats()
			}
			rf.mu.Unlock()
		}
	}
}

// runApplyLoop delivers committed entries in index order without holding rf.mu
func (rf *Raft) runApplyLoop() {
	defer rf.loops.Done()
	for {
		select {
		case <-rf.stopCh:
			return
		case <-rf.applyNotify:
		}

		rf.mu.Lock()
		var msgs []ApplyMsg
		for rf.lastApplied < rf.commitIndex {
			entry, err := rf.logStore.GetLog(rf.lastApplied + 1)
			if err != nil {
				rf.logger.Error("Committed entry missing", "index", rf.lastApplied+1, "error", err)
				break
			}
			rf.lastApplied++
			msgs = append(msgs, ApplyMsg{
				CommandValid: entry.Command != nil,
				Command:      entry.Command,
				CommandIndex: entry.Index,
				CommandTerm:  entry.Term,
			})
		}
		rf.mu.Unlock()

		for _, msg := range msgs {
			select {
			case rf.applyCh <- msg:
			case <-rf.stopCh:
				return
			}
		}
	}
}

func (rf *Raft) signalApply() {
	select {
	case rf.applyNotify <- struct{}{}:
	default:
	}
}

// majority reports whether n votes out of the whole cluster is a quorum
func (rf *Raft) majority(n int) bool {
	return n*2 > len(rf.peers)+1
}

func (rf *Raft) lastLogInfo() (int64, int64) {
	lastIndex, _ := rf.logStore.LastIndex()
	entry, err := rf.logStore.GetLog(lastIndex)
	if err != nil {
		return lastIndex, rf.lastIncludedTerm
	}
	return lastIndex, entry.Term
}

func (rf *Raft) convertToFollower(term int64) {
	if rf.state == Leader {
		rf.logger.Info("Stepping down", "term", term)
	}
	rf.state = Follower
	if term > rf.currentTerm {
		rf.currentTerm = term
		rf.votedFor = ""
	}
	rf.resetElectionTimer()
}

func (rf *Raft) convertToLeader() {
	if rf.state == Leader {
		return
	}
	rf.state = Leader
	rf.leaderID = rf.config.ID
	rf.logger.Info("Elected as leader", "term", rf.currentTerm)

	lastIndex, _ := rf.logStore.LastIndex()
	noop := &LogEntry{Term: rf.currentTerm, Index: lastIndex + 1}
	if err := rf.logStore.StoreLog(noop); err != nil {
		rf.logger.Error("Failed to append leader no-op", "error", err)
	}
	for _, peer := range rf.peers {
		rf.nextIndex[peer] = lastIndex + 1
		rf.matchIndex[peer] = 0
	}

	rf.updateCommitIndex()
	rf.broadcastHeartbeats()
}

func (rf *Raft) broadcastHeartbeats() {
	for _, peer := range rf.peers {
		go rf.replicateToPeer(peer)
	}
}

func (rf *Raft) replicateToPeer(peer string) {
	rf.mu.Lock()
	if rf.state != Leader {
		rf.mu.Unlock()
		return
	}

	lastIndex, _ := rf.logStore.LastIndex()
	next := rf.nextIndex[peer]
	if next > lastIndex+1 {
		next = lastIndex + 1
	}
	if next <= rf.lastIncludedIndex {
		// 已壓縮的前綴無法複製，落後的成員改用主備恢復協定追趕
		next = rf.lastIncludedIndex + 1
	}

	prevIndex := next - 1
	prevTerm := int64(0)
	if prevEntry, err := rf.logStore.GetLog(prevIndex); err == nil {
		prevTerm = prevEntry.Term
	}

	var entries []LogEntry
	for i := next; i <= lastIndex; i++ {
		entry, err := rf.logStore.GetLog(i)
		if err != nil {
			break
		}
		entries = append(entries, *entry)
	}

	args := &AppendEntriesArgs{
		Term:         rf.currentTerm,
		LeaderID:     rf.config.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: rf.commitIndex,
	}
	rf.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), rf.config.RPCTimeout)
	reply, err := rf.transport.SendAppendEntries(ctx, peer, args)
	cancel()
	if err != nil {
		return
	}

	rf.mu.Lock()
	defer rf.mu.Unlock()

	if reply.Term > rf.currentTerm {
		rf.convertToFollower(reply.Term)
		return
	}
	if rf.state != Leader || args.Term != rf.currentTerm {
		return
	}

	if reply.Success {
		match := prevIndex + int64(len(entries))
		if match > rf.matchIndex[peer] {
			rf.matchIndex[peer] = match
		}
		rf.nextIndex[peer] = rf.matchIndex[peer] + 1
		rf.updateCommitIndex()
		return
	}

	next = prevIndex
	if reply.ConflictIndex > 0 && reply.ConflictIndex < next {
		next = reply.ConflictIndex
	}
	if next < 1 {
		next = 1
	}
	rf.nextIndex[peer] = next
}

// updateCommitIndex commits the highest current-term entry stored on a majority
func (rf *Raft) updateCommitIndex() {
	lastIndex, _ := rf.logStore.LastIndex()
	for n := lastIndex; n > rf.commitIndex; n-- {
		entry, err := rf.logStore.GetLog(n)
		if err != nil || entry.Term != rf.currentTerm {
			continue
		}
		count := 1
		for _, peer := range rf.peers {
			if rf.matchIndex[peer] >= n {
				count++
			}
		}
		if rf.majority(count) {
			rf.commitIndex = n
			rf.signalApply()
			return
		}
	}
}

func (rf *Raft) startElection() {
	rf.state = Candidate
	rf.currentTerm++
	rf.votedFor = rf.config.ID
	rf.leaderID = ""

	lastIndex, lastTerm := rf.lastLogInfo()
	args := &RequestVoteArgs{
		Term:         rf.currentTerm,
		CandidateID:  rf.config.ID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	votes := 1
	rf.logger.Info("Starting election", "term", rf.currentTerm)
	if rf.majority(votes) {
		rf.convertToLeader()
		return
	}

	for _, peer := range rf.peers {
		go func(p string) {
			ctx, cancel := context.WithTimeout(context.Background(), rf.config.RPCTimeout)
			reply, err := rf.transport.SendRequestVote(ctx, p, args)
			cancel()
			if err != nil {
				return
			}

			rf.mu.Lock()
			defer rf.mu.Unlock()

			if reply.Term > rf.currentTerm {
				rf.convertToFollower(reply.Term)
				return
			}
			if rf.state != Candidate || args.Term != rf.currentTerm {
				return
			}
			if reply.VoteGranted {
				votes++
				if rf.majority(votes) {
					rf.convertToLeader()
				}
			}
		}(peer)
	}
}

func (rf *Raft) resetElectionTimer() {
	if !rf.electionTimer.Stop() {
		select {
		case <-rf.electionTimer.C:
		default:
		}
	}
	rf.electionTimer.Reset(rf.randomElectionTimeout())
}

func (rf *Raft) randomElectionTimeout() time.Duration {
	extra := time.Duration(rand.Int63n(int64(rf.config.ElectionTimeout)))
	return rf.config.ElectionTimeout + extra
}

// Propose submits a new command to the Raft log
// Returns index, term, and true if this node is the leader
func (rf *Raft) Propose(command []byte) (int64, int64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.state != Leader {
		return -1, -1, false
	}
	if command == nil {
		command = []byte{}
	}

	lastIndex, _ := rf.logStore.LastIndex()
	newIndex := lastIndex + 1
	entry := &LogEntry{
		Term:    rf.currentTerm,
		Index:   newIndex,
		Command: command,
	}
	if err := rf.logStore.StoreLog(entry); err != nil {
		rf.logger.Error("Failed to store proposal", "index", newIndex, "error", err)
		return -1, -1, false
	}
	rf.logger.Debug("New proposal", "index", newIndex, "term", rf.currentTerm)

	rf.updateCommitIndex()
	rf.broadcastHeartbeats()
	return newIndex, rf.currentTerm, true
}

// GetState returns the current term and whether this node believes it is the leader
func (rf *Raft) GetState() (int64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.currentTerm, rf.state == Leader
}

// IsLeader reports whether this node is the leader
func (rf *Raft) IsLeader() bool {
	_, leader := rf.GetState()
	return leader
}

// Leader returns the last known leader ID, empty when unknown
func (rf *Raft) Leader() string {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.leaderID
}

// CommitIndex returns the highest committed index
func (rf *Raft) CommitIndex() int64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.commitIndex
}

// ID returns this node's ID
func (rf *Raft) ID() string {
	return rf.config.ID
}
