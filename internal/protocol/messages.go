package protocol

import "github.com/ChuLiYu/raft-sessions/pkg/types"

// MetadataRequest 查詢某類型（空字串表示全部）的原語名稱
type MetadataRequest struct {
	PrimitiveType types.PrimitiveType `json:"primitive_type,omitempty"`
}

// MetadataResponse 原語名稱集合（排序，無重複）
type MetadataResponse struct {
	Status         Status   `json:"status"`
	PrimitiveNames []string `json:"primitive_names,omitempty"`
}

// RestoreRequest 取得單一原語的快照
type RestoreRequest struct {
	Name string              `json:"name"`
	Type types.PrimitiveType `json:"type"`
}

// RestoreResponse 原語快照；失敗時 Index、Timestamp、Data 為零值
type RestoreResponse struct {
	Status    Status `json:"status"`
	Index     int64  `json:"index,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // Unix 毫秒
	Data      []byte `json:"data,omitempty"`
}

// MetadataFailure 建立失敗的 MetadataResponse
func MetadataFailure(s Status) *MetadataResponse {
	return &MetadataResponse{Status: s}
}

// RestoreFailure 建立失敗的 RestoreResponse
func RestoreFailure(s Status) *RestoreResponse {
	return &RestoreResponse{Status: s}
}
