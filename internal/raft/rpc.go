package raft

// RequestVoteArgs represents the arguments for RequestVote RPC
type RequestVoteArgs struct {
	Term         int64  `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int64  `json:"last_log_index"`
	LastLogTerm  int64  `json:"last_log_term"`
}

// RequestVoteReply represents the reply for RequestVote RPC
type RequestVoteReply struct {
	Term        int64 `json:"term"`
	VoteGranted bool  `json:"vote_granted"`
}

// RequestVote handles the RequestVote RPC
func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	// 1. Reply false if term < currentTerm
	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		reply.VoteGranted = false
		return
	}

	// If RPC request or response contains term T > currentTerm: set currentTerm = T, convert to follower
	if args.Term > rf.currentTerm {
		rf.currentTerm = args.Term
		rf.state = Follower
		rf.votedFor = ""
	}

	reply.Term = rf.currentTerm

	// 2. If votedFor is null or candidateId, and candidate's log is at least as up-to-date as receiver's log, grant vote
	canVote := rf.votedFor == "" || rf.votedFor == args.CandidateID
	lastIndex, lastTerm := rf.lastLogInfo()
	isUpToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if canVote && isUpToDate {
		rf.votedFor = args.CandidateID
		reply.VoteGranted = true
		rf.resetElectionTimer() // Granting vote resets election timer
		rf.logger.Info("Vote granted", "candidate", args.CandidateID, "term", args.Term)
	} else {
		reply.VoteGranted = false
	}
}

// AppendEntriesArgs represents the arguments for AppendEntries RPC
type AppendEntriesArgs struct {
	Term         int64      `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex int64      `json:"prev_log_index"`
	PrevLogTerm  int64      `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit int64      `json:"leader_commit"`
}

// AppendEntriesReply represents the reply for AppendEntries RPC
type AppendEntriesReply struct {
	Term    int64 `json:"term"`
	Success bool  `json:"success"`
	// ConflictIndex is where the leader should retry from after a failed consistency check
	ConflictIndex int64 `json:"conflict_index"`
}

// AppendEntries handles the AppendEntries RPC (Heartbeat & Log Replication)
func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply.Term = rf.currentTerm
	reply.Success = false

	// 1. Reply false if term < currentTerm
	if args.Term < rf.currentTerm {
		return
	}

	// A valid leader for this term exists: any candidate or stale leader steps down
	rf.convertToFollower(args.Term)
	rf.leaderID = args.LeaderID
	reply.Term = rf.currentTerm

	// 2. Reply false if log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm
	lastIndex, _ := rf.logStore.LastIndex()
	if args.PrevLogIndex > lastIndex {
		reply.ConflictIndex = lastIndex + 1
		return
	}
	if args.PrevLogIndex >= rf.lastIncludedIndex {
		prev, err := rf.logStore.GetLog(args.PrevLogIndex)
		if err != nil || prev.Term != args.PrevLogTerm {
			reply.ConflictIndex = args.PrevLogIndex
			return
		}
	}

	// 3. If an existing entry conflicts with a new one (same index but different terms), delete the existing entry and all that follow it
	// 4. Append any new entries not already in the log
	for i, entry := range args.Entries {
		if entry.Index <= rf.lastIncludedIndex {
			continue
		}
		if entry.Index <= lastIndex {
			existing, err := rf.logStore.GetLog(entry.Index)
			if err == nil && existing.Term == entry.Term {
				continue
			}
			if err := rf.logStore.DeleteRange(entry.Index, lastIndex); err != nil {
				rf.logger.Error("Failed to truncate conflicting entries", "from", entry.Index, "error", err)
				return
			}
			rf.logger.Warn("Truncated conflicting entries", "from", entry.Index, "to", lastIndex)
		}
		rest := make([]*LogEntry, 0, len(args.Entries)-i)
		for j := i; j < len(args.Entries); j++ {
			rest = append(rest, &args.Entries[j])
		}
		if err := rf.logStore.StoreLogs(rest); err != nil {
			rf.logger.Error("Failed to append entries", "error", err)
			return
		}
		break
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry)
	if args.LeaderCommit > rf.commitIndex {
		lastNew := args.PrevLogIndex + int64(len(args.Entries))
		if c := min(args.LeaderCommit, lastNew); c > rf.commitIndex {
			rf.commitIndex = c
			rf.signalApply()
		}
	}

	reply.Success = true
}
