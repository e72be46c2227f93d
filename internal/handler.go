package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

// Authenticator 帳號註冊與登入
type Authenticator interface {
	Register(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (string, error)
}

// Handler HTTP 請求處理器
type Handler struct {
	manager     *Manager
	auth        Authenticator
	logger      *slog.Logger
	authLimiter *RateLimiter
}

// HandlerOption 處理器選項
type HandlerOption func(*Handler)

// WithAuthLimiter 註冊與登入依來源 IP 限流
func WithAuthLimiter(l *RateLimiter) HandlerOption {
	return func(h *Handler) {
		h.authLimiter = l
	}
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, auth Authenticator, logger *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		manager: manager,
		auth:    auth,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 身分
	mux.HandleFunc("POST /api/v1/register", wrap(h.rateLimit(h.register)))
	mux.HandleFunc("POST /api/v1/login", wrap(h.rateLimit(h.login)))

	// 房間查詢（房間操作走 WebSocket）
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// register 註冊帳號
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeInvalidInput, "無效的請求格式"))
		return
	}

	if err := h.auth.Register(r.Context(), req.Username, req.Password); err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"ok":       true,
		"username": req.Username,
	}, http.StatusCreated)
}

// login 登入並取得連線 token
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeInvalidInput, "無效的請求格式"))
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"ok":    true,
		"token": token,
	}, http.StatusOK)
}

// listRooms 列出房間，可用 ?status= 過濾
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	status := RoomStatus(r.URL.Query().Get("status"))
	rooms := h.manager.ListRooms(status)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情，遊戲開始後附上遊戲狀態
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	room, err := h.manager.GetRoom(r.PathValue("room_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	resp := map[string]any{
		"room": room.Snapshot(),
	}
	if game, ok := room.GameSnapshot(); ok {
		resp["game"] = game
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.manager.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 依錯誤碼返回對應的 HTTP 狀態
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("請求處理失敗", "error", err)
	}
	h.jsonResponse(w, map[string]any{
		"error": err.Error(),
		"code":  apperrors.CodeOf(err),
	}, status)
}

// StatusFor 錯誤碼對應的 HTTP 狀態碼
func StatusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeForbidden:
		return http.StatusForbidden
	case apperrors.ErrCodeCapacityExceeded, apperrors.ErrCodeAlreadyExists, apperrors.ErrCodePreconditionFailed:
		return http.StatusConflict
	case apperrors.ErrCodeInsufficientResource:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// rateLimit 限流中間件，未設定限流器時直接放行
func (h *Handler) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if h.authLimiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !h.authLimiter.Allow(ip) {
			h.logger.Warn("請求被限流", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			h.errorResponse(w, apperrors.ErrRateLimited)
			return
		}
		next(w, r)
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.jsonResponse(w, map[string]any{
					"error": "內部伺服器錯誤",
					"code":  apperrors.ErrCodeInternal,
				}, http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
