package node

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

// Kind 日誌中命令的種類
type Kind string

const (
	KindOpenSession  Kind = "open_session"
	KindKeepAlive    Kind = "keep_alive"
	KindCloseSession Kind = "close_session"
	KindCommand      Kind = "command"
	KindTick         Kind = "tick"
)

// command 提議到日誌的命令。Timestamp 由提議者（主節點）決定，
// 所有副本都以它評估會話逾時，因此結果具決定性。
type command struct {
	Kind      Kind   `json:"kind"`
	Request   string `json:"request,omitempty"` // 等待結果的提議者
	Timestamp int64  `json:"timestamp"`         // Unix 奈秒

	// open_session
	Service    string              `json:"service,omitempty"`
	Type       types.PrimitiveType `json:"type,omitempty"`
	ClientNode types.NodeID        `json:"client_node,omitempty"`
	MinTimeout time.Duration       `json:"min_timeout,omitempty"`
	MaxTimeout time.Duration       `json:"max_timeout,omitempty"`

	// keep_alive / close_session / command
	SessionID types.SessionID `json:"session_id,omitempty"`
	AckSeq    uint64          `json:"ack_seq,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Value     []byte          `json:"value,omitempty"`
}

func (c *command) time() time.Time {
	return time.Unix(0, c.Timestamp)
}

func encodeCommand(c *command) ([]byte, error) {
	return json.Marshal(c)
}

func decodeCommand(data []byte) (*command, error) {
	var c command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	switch c.Kind {
	case KindOpenSession, KindKeepAlive, KindCloseSession, KindCommand, KindTick:
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrBadCommand, c.Kind)
	}
}

// installRecord 寫入 WAL 的已安裝快照，重啟時重放
type installRecord struct {
	Name      string              `json:"name"`
	Type      types.PrimitiveType `json:"type"`
	Index     int64               `json:"index"`
	Timestamp int64               `json:"timestamp"` // Unix 毫秒
	Data      []byte              `json:"data"`
}

// result 套用命令後交給等待中的提議者
type result struct {
	session types.SessionID // open_session 配發的 ID
	value   []byte
	err     error
}
