package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/metrics"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
)

var log = slog.With("component", "protocol")

// ErrPrimitiveNotFound Host 找不到指定名稱與類型的原語
var ErrPrimitiveNotFound = errors.New("primitive not found")

// Snapshot 單一原語在某個日誌索引的完整狀態
type Snapshot struct {
	Index     int64
	Timestamp time.Time
	Data      []byte
}

// Host 回答恢復協定請求的節點
type Host interface {
	Role() types.Role
	PrimitiveNames(t types.PrimitiveType) []string
	// SnapshotPrimitive 在服務鎖下擷取快照；找不到時回傳 ErrPrimitiveNotFound
	SnapshotPrimitive(ctx context.Context, name string, t types.PrimitiveType) (Snapshot, error)
}

// Server 恢復協定伺服器端
type Server struct {
	host    Host
	metrics *metrics.Collector
}

// NewServer 建立伺服器；m 可為 nil
func NewServer(host Host, m *metrics.Collector) *Server {
	return &Server{host: host, metrics: m}
}

// Metadata 回傳主節點上的原語名稱
func (s *Server) Metadata(ctx context.Context, req *MetadataRequest) *MetadataResponse {
	resp := s.metadata(ctx, req)
	s.metrics.RecordProtocolRequest("metadata", resp.Status.String())
	return resp
}

func (s *Server) metadata(ctx context.Context, req *MetadataRequest) *MetadataResponse {
	if req == nil {
		return MetadataFailure(StatusProtocolError)
	}
	if ctx.Err() != nil {
		return MetadataFailure(StatusTimeout)
	}
	if s.host.Role() != types.RolePrimary {
		return MetadataFailure(StatusNotPrimary)
	}
	return &MetadataResponse{
		Status:         StatusOK,
		PrimitiveNames: uniqueSorted(s.host.PrimitiveNames(req.PrimitiveType)),
	}
}

// Restore 回傳單一原語的快照
func (s *Server) Restore(ctx context.Context, req *RestoreRequest) *RestoreResponse {
	resp := s.restore(ctx, req)
	s.metrics.RecordProtocolRequest("restore", resp.Status.String())
	return resp
}

func (s *Server) restore(ctx context.Context, req *RestoreRequest) *RestoreResponse {
	if req == nil || req.Name == "" {
		return RestoreFailure(StatusProtocolError)
	}
	if ctx.Err() != nil {
		return RestoreFailure(StatusTimeout)
	}
	if s.host.Role() != types.RolePrimary {
		return RestoreFailure(StatusNotPrimary)
	}

	snap, err := s.host.SnapshotPrimitive(ctx, req.Name, req.Type)
	switch {
	case err == nil:
	case errors.Is(err, ErrPrimitiveNotFound):
		return RestoreFailure(StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return RestoreFailure(StatusTimeout)
	default:
		log.Error("Failed to snapshot primitive", "name", req.Name, "type", req.Type, "error", err)
		return RestoreFailure(StatusProtocolError)
	}

	return &RestoreResponse{
		Status:    StatusOK,
		Index:     snap.Index,
		Timestamp: snap.Timestamp.UnixMilli(),
		Data:      snap.Data,
	}
}

func uniqueSorted(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
