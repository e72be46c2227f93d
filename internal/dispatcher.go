package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
	"github.com/koopa0/system-design/strategy-server/pkg/logger"
)

// 系統設計問題：
//   同一條 WebSocket 連線上會收到各種指令，錯誤要回給誰？
//
// 設計方案：
//   ✅ 所有指令統一成 {type, data} 框架，依 type 分派
//   ✅ 核心只回傳錯誤，由這一層轉成只發給請求者的 msg / joinResult
//   ✅ 玩家身分來自已驗證的連線，不信任 data 裡的 ID

// 客戶端指令類型
const (
	CmdCreateRoom        = "createRoom"
	CmdJoinRoom          = "joinRoom"
	CmdLeaveRoom         = "leaveRoom"
	CmdRequestAssignRole = "requestAssignRole"
	CmdStartGame         = "startGame"
	CmdStopGame          = "stopGame"
	CmdAction            = "action"
	CmdChat              = "chat"
	CmdPing              = "ping"
)

// ClientMessage 客戶端框架
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type roomRequest struct {
	RoomID string `json:"roomId"`
}

type assignRoleRequest struct {
	RoomID   string `json:"roomId"`
	TargetID string `json:"targetId"`
	Faction  string `json:"faction"`
}

type actionRequest struct {
	RoomID string       `json:"roomId"`
	Action ActionKind   `json:"action"`
	Params ActionParams `json:"params"`
}

type chatRequest struct {
	RoomID  string      `json:"roomId"`
	Channel ChatChannel `json:"channel"`
	ToID    string      `json:"toId,omitempty"`
	Text    string      `json:"text"`
}

// LeftRoomPayload leftRoom 事件內容
type LeftRoomPayload struct {
	RoomID string `json:"roomId"`
}

// Session 一條已驗證連線的狀態
//
// 只由該連線的讀取 goroutine 使用。
type Session struct {
	PlayerID string
	Sink     Sink
	rooms    map[string]struct{}
}

// NewSession 創建連線狀態
func NewSession(playerID string, sink Sink) *Session {
	return &Session{
		PlayerID: playerID,
		Sink:     sink,
		rooms:    make(map[string]struct{}),
	}
}

// Rooms 此連線加入過的房間
func (s *Session) Rooms() []string {
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	return rooms
}

// Dispatcher 指令分派器
type Dispatcher struct {
	manager *Manager
	engine  *Engine
	logger  *slog.Logger
}

// NewDispatcher 創建分派器
func NewDispatcher(manager *Manager, engine *Engine, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		manager: manager,
		engine:  engine,
		logger:  logger,
	}
}

// Handle 處理一個客戶端框架
func (d *Dispatcher) Handle(ctx context.Context, sess *Session, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.reply(ctx, sess, msgEvent("無法解析的指令", apperrors.ErrCodeInvalidInput))
		return
	}

	ctx = logger.WithPlayer(ctx, sess.PlayerID)

	switch msg.Type {
	case CmdPing:
		d.reply(ctx, sess, Event{Type: EventPong})
	case CmdCreateRoom:
		d.createRoom(ctx, sess)
	case CmdJoinRoom:
		d.joinRoom(ctx, sess, msg.Data)
	default:
		if err := d.handleRoomCommand(ctx, sess, msg); err != nil {
			d.fail(ctx, sess, msg.Type, err)
		}
	}
}

// Disconnect 連線結束時解除此連線在各房間的通知出口
func (d *Dispatcher) Disconnect(sess *Session) {
	for roomID := range sess.rooms {
		d.manager.Detach(roomID, sess.PlayerID, sess.Sink)
	}
	clear(sess.rooms)
}

func (d *Dispatcher) createRoom(ctx context.Context, sess *Session) {
	room, err := d.manager.CreateRoom(sess.PlayerID, sess.Sink)
	if err != nil {
		d.fail(ctx, sess, CmdCreateRoom, err)
		return
	}
	sess.rooms[room.ID] = struct{}{}
	d.reply(ctx, sess, Event{Type: EventRoomCreated, Data: RoomCreatedPayload{RoomID: room.ID}})
}

func (d *Dispatcher) joinRoom(ctx context.Context, sess *Session, data json.RawMessage) {
	var req roomRequest
	if err := decode(data, &req); err != nil {
		d.fail(ctx, sess, CmdJoinRoom, err)
		return
	}

	room, err := d.manager.JoinRoom(req.RoomID, sess.PlayerID, sess.Sink)
	if err != nil {
		d.fail(ctx, sess, CmdJoinRoom, err)
		return
	}
	sess.rooms[room.ID] = struct{}{}
	d.reply(ctx, sess, Event{Type: EventJoinResult, Data: JoinResultPayload{OK: true, RoomID: room.ID}})
}

func (d *Dispatcher) handleRoomCommand(ctx context.Context, sess *Session, msg ClientMessage) error {
	switch msg.Type {
	case CmdLeaveRoom:
		var req roomRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		if err := d.manager.LeaveRoom(req.RoomID, sess.PlayerID); err != nil {
			return err
		}
		for id := range sess.rooms {
			if strings.EqualFold(id, req.RoomID) {
				delete(sess.rooms, id)
			}
		}
		d.reply(ctx, sess, Event{Type: EventLeft, Data: LeftRoomPayload{RoomID: req.RoomID}})
		return nil

	case CmdRequestAssignRole:
		var req assignRoleRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		_, err := d.manager.AssignRole(req.RoomID, sess.PlayerID, req.TargetID, req.Faction)
		return err

	case CmdStartGame:
		var req roomRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return d.manager.StartGame(req.RoomID, sess.PlayerID)

	case CmdStopGame:
		var req roomRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return d.manager.StopGame(req.RoomID, sess.PlayerID)

	case CmdAction:
		var req actionRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return d.engine.SubmitAction(req.RoomID, sess.PlayerID, req.Action, req.Params)

	case CmdChat:
		var req chatRequest
		if err := decode(msg.Data, &req); err != nil {
			return err
		}
		return d.manager.SendChat(req.RoomID, sess.PlayerID, req.Channel, req.ToID, req.Text)

	default:
		return apperrors.New(apperrors.ErrCodeInvalidInput, "unknown command").WithDetails(msg.Type)
	}
}

// fail 把錯誤轉成只發給請求者的事件
func (d *Dispatcher) fail(ctx context.Context, sess *Session, cmd string, err error) {
	code := apperrors.CodeOf(err)
	if code == apperrors.ErrCodeInternal {
		d.logger.ErrorContext(ctx, "指令處理失敗", "command", cmd, "error", err)
	} else {
		d.logger.DebugContext(ctx, "指令被拒絕", "command", cmd, "error", err)
	}

	text := describe(err)
	if cmd == CmdJoinRoom {
		d.reply(ctx, sess, Event{Type: EventJoinResult, Data: JoinResultPayload{OK: false, Error: text, Code: code}})
		return
	}
	d.reply(ctx, sess, msgEvent(text, code))
}

func (d *Dispatcher) reply(ctx context.Context, sess *Session, ev Event) {
	if sess.Sink == nil {
		return
	}
	if err := sess.Sink.Send(ev); err != nil {
		d.logger.DebugContext(ctx, "回覆推送失敗", "event", ev.Type, "error", err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed data")
	}
	return nil
}

// describe 把錯誤轉成給玩家看的提示
func describe(err error) string {
	switch {
	case apperrors.IsNotFound(err):
		return "找不到指定的房間、玩家或資源點"
	case apperrors.IsForbidden(err):
		return "只有房主可以執行此操作"
	case apperrors.IsCapacityExceeded(err):
		return "人數已滿"
	case apperrors.IsInsufficientResource(err):
		return "資源不足"
	case apperrors.IsPreconditionFailed(err):
		return "目前房間狀態不允許此操作"
	case apperrors.CodeOf(err) == apperrors.ErrCodeInvalidInput:
		return "無效的指令內容"
	case apperrors.IsRateLimited(err):
		return "操作太頻繁，請稍後再試"
	default:
		return "伺服器內部錯誤"
	}
}
