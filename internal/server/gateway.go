package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-sessions/internal/client"
	"github.com/ChuLiYu/raft-sessions/internal/metrics"
	"github.com/ChuLiYu/raft-sessions/internal/node"
	"github.com/ChuLiYu/raft-sessions/internal/primitive"
	"github.com/ChuLiYu/raft-sessions/internal/protocol"
	"github.com/ChuLiYu/raft-sessions/internal/session"
	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrSessionMismatch 會話不屬於路徑指定的原語
var ErrSessionMismatch = errors.New("session does not belong to primitive")

// Host 閘道背後的節點
type Host interface {
	OpenSession(ctx context.Context, opts node.SessionOptions) (types.SessionID, error)
	KeepAlive(ctx context.Context, id types.SessionID, ackSeq uint64) error
	CloseSession(ctx context.Context, id types.SessionID) error
	Command(ctx context.Context, id types.SessionID, operation string, value []byte) ([]byte, error)
	Query(ctx context.Context, id types.SessionID, operation string, value []byte) ([]byte, error)
	Attach(ctx context.Context, id types.SessionID, ackSeq uint64, sink client.Sink) error
	Detach(id types.SessionID, sink session.Sink) bool
	SessionService(id types.SessionID) (string, types.PrimitiveType, error)
	GetStatus() node.Status
}

var _ Host = (*node.Node)(nil)

// Gateway HTTP 與 WebSocket 會話閘道
type Gateway struct {
	host     Host
	protocol *protocol.Server
	router   chi.Router
	upgrader websocket.Upgrader

	// 客戶端未指定逾時時使用
	minTimeout time.Duration
	maxTimeout time.Duration

	mu      sync.Mutex
	streams map[string]*eventStream
	closed  bool
}

// NewGateway 建立閘道；g 為 nil 時 /metrics 使用預設收集器
func NewGateway(h Host, ps *protocol.Server, g prometheus.Gatherer) *Gateway {
	gw := &Gateway{
		host:     h,
		protocol: ps,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		streams: make(map[string]*eventStream),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(api chi.Router) {
		api.Post("/sessions", gw.openSession)
		api.Post("/sessions/{id}/keepalive", gw.keepAlive)
		api.Delete("/sessions/{id}", gw.closeSession)
		api.Get("/sessions/{id}/events", gw.streamEvents)
		api.Post("/primitives/{type}/{name}/commands", gw.command)
		api.Get("/primitives/{type}/{name}/queries/{op}", gw.query)
		api.Get("/metadata", gw.metadata)
		api.Get("/status", gw.status)
	})
	r.Handle("/metrics", metrics.Handler(g))

	gw.router = r
	return gw
}

// WithSessionDefaults 設定開啟會話時的預設逾時
func (gw *Gateway) WithSessionDefaults(minTimeout, maxTimeout time.Duration) *Gateway {
	gw.minTimeout = minTimeout
	gw.maxTimeout = maxTimeout
	return gw
}

func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.router.ServeHTTP(w, r)
}

// Close 關閉所有事件串流；之後的串流在升級後立即以 GoingAway 關閉
func (gw *Gateway) Close() {
	gw.mu.Lock()
	gw.closed = true
	streams := make([]*eventStream, 0, len(gw.streams))
	for _, s := range gw.streams {
		streams = append(streams, s)
	}
	gw.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
}

// ============================================================================
// 請求與回應
// ============================================================================

type openSessionRequest struct {
	Service      string              `json:"service"`
	Type         types.PrimitiveType `json:"type"`
	ClientNode   types.NodeID        `json:"client_node"`
	MinTimeoutMs int64               `json:"min_timeout_ms"`
	MaxTimeoutMs int64               `json:"max_timeout_ms"`
}

type openSessionResponse struct {
	SessionID types.SessionID `json:"session_id"`
}

type keepAliveRequest struct {
	AckSeq uint64 `json:"ack_seq"`
}

type commandRequest struct {
	SessionID types.SessionID `json:"session_id"`
	Operation string          `json:"operation"`
	Value     []byte          `json:"value,omitempty"`
}

type resultResponse struct {
	Result json.RawMessage `json:"result"`
}

type metadataResponse struct {
	Status         string   `json:"status"`
	PrimitiveNames []string `json:"primitive_names"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn("Failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondErr 依節點錯誤選擇 HTTP 狀態碼
func respondErr(w http.ResponseWriter, err error) {
	respondError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, node.ErrNotPrimary):
		return http.StatusMisdirectedRequest
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, ErrSessionMismatch):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrInvalidTimeout),
		errors.Is(err, primitive.ErrUnknownOperation),
		errors.Is(err, primitive.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrTypeMismatch), errors.Is(err, node.ErrRoleManaged):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, node.ErrStopped), errors.Is(err, node.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusForProtocol 協定狀態對應的 HTTP 狀態碼
func statusForProtocol(s protocol.Status) int {
	switch s {
	case protocol.StatusOK:
		return http.StatusOK
	case protocol.StatusNotPrimary:
		return http.StatusMisdirectedRequest
	case protocol.StatusNotFound:
		return http.StatusNotFound
	case protocol.StatusTimeout:
		return http.StatusGatewayTimeout
	case protocol.StatusUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// resultJSON 原語結果已是 JSON 時原樣嵌入，否則編成 base64 字串
func resultJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return b
	}
	encoded, _ := json.Marshal(b)
	return encoded
}

func sessionParam(r *http.Request) (types.SessionID, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid session id %q", chi.URLParam(r, "id"))
	}
	return types.SessionID(id), nil
}

// checkSession 確認會話屬於路徑上的原語
func (gw *Gateway) checkSession(r *http.Request, id types.SessionID) error {
	name, t, err := gw.host.SessionService(id)
	if err != nil {
		return err
	}
	if name != chi.URLParam(r, "name") || t != types.PrimitiveType(chi.URLParam(r, "type")) {
		return fmt.Errorf("%w: session %d is on %s/%s", ErrSessionMismatch, id, t, name)
	}
	return nil
}

// ============================================================================
// 處理函式
// ============================================================================

func (gw *Gateway) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Service == "" || req.Type == "" {
		respondError(w, http.StatusBadRequest, "service and type are required")
		return
	}

	opts := node.SessionOptions{
		Service:    req.Service,
		Type:       req.Type,
		ClientNode: req.ClientNode,
		MinTimeout: time.Duration(req.MinTimeoutMs) * time.Millisecond,
		MaxTimeout: time.Duration(req.MaxTimeoutMs) * time.Millisecond,
	}
	if opts.MinTimeout == 0 {
		opts.MinTimeout = gw.minTimeout
	}
	if opts.MaxTimeout == 0 {
		opts.MaxTimeout = gw.maxTimeout
	}

	id, err := gw.host.OpenSession(r.Context(), opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, openSessionResponse{SessionID: id})
}

func (gw *Gateway) keepAlive(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req keepAliveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := gw.host.KeepAlive(r.Context(), id, req.AckSeq); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (gw *Gateway) closeSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gw.host.CloseSession(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (gw *Gateway) command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Operation == "" {
		respondError(w, http.StatusBadRequest, "operation is required")
		return
	}
	if err := gw.checkSession(r, req.SessionID); err != nil {
		respondErr(w, err)
		return
	}

	out, err := gw.host.Command(r.Context(), req.SessionID, req.Operation, req.Value)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resultResponse{Result: resultJSON(out)})
}

// query 以 ?session=N&value=... 執行唯讀查詢；value 原樣作為位元組
func (gw *Gateway) query(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("session")
	sid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sid <= 0 {
		respondError(w, http.StatusBadRequest, "session query parameter is required")
		return
	}
	id := types.SessionID(sid)
	if err := gw.checkSession(r, id); err != nil {
		respondErr(w, err)
		return
	}

	var value []byte
	if r.URL.Query().Has("value") {
		value = []byte(r.URL.Query().Get("value"))
	}
	out, err := gw.host.Query(r.Context(), id, chi.URLParam(r, "op"), value)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resultResponse{Result: resultJSON(out)})
}

func (gw *Gateway) metadata(w http.ResponseWriter, r *http.Request) {
	resp := gw.protocol.Metadata(r.Context(), &protocol.MetadataRequest{
		PrimitiveType: types.PrimitiveType(r.URL.Query().Get("type")),
	})
	names := resp.PrimitiveNames
	if names == nil {
		names = []string{}
	}
	respondJSON(w, statusForProtocol(resp.Status), metadataResponse{
		Status:         resp.Status.String(),
		PrimitiveNames: names,
	})
}

func (gw *Gateway) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, gw.host.GetStatus())
}
