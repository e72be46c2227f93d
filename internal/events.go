package internal

//go:generate go tool mockgen -destination=mock_sink_test.go -package=internal_test . Sink

// Sink 通知出口
//
// 核心只透過 Sink 推送事件，不知道底層是 WebSocket 還是測試替身。
// 實作必須是非阻塞的：Send 在房間鎖內被呼叫。
type Sink interface {
	Send(ev Event) error
}

// Event 推送給客戶端的事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data"`
}

// 事件類型
const (
	EventRoomCreated     = "roomCreated"
	EventJoinResult      = "joinResult"
	EventRoleAssigned    = "roleAssigned"
	EventRoomUpdate      = "roomUpdate"
	EventGameStarted     = "gameStarted"
	EventState           = "state"
	EventMsg             = "msg"
	EventSpyResult       = "spyResult"
	EventChat            = "chat"
	EventMovementArrived = "movementArrived"
	EventLeft            = "leftRoom"
	EventPong            = "pong"
)

// RoomCreatedPayload roomCreated 事件內容
type RoomCreatedPayload struct {
	RoomID string `json:"roomId"`
}

// JoinResultPayload joinResult 事件內容
type JoinResultPayload struct {
	OK     bool   `json:"ok"`
	RoomID string `json:"roomId,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// RoleAssignedPayload roleAssigned 事件內容（只發給被分配的玩家）
type RoleAssignedPayload struct {
	Faction string `json:"faction"`
	Seat    int    `json:"seat"`
}

// MsgPayload 單一接收者的提示訊息，驗證失敗都走這裡
type MsgPayload struct {
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

// SpyInfo 間諜成功時揭露的目標情報
type SpyInfo struct {
	Target     string `json:"target"`
	Population int    `json:"population"`
	Soldiers   int    `json:"soldiers"`
}

// SpyResultPayload spyResult 事件內容
type SpyResultPayload struct {
	OK     bool     `json:"ok"`
	Reason string   `json:"reason,omitempty"`
	Info   *SpyInfo `json:"info,omitempty"`
}

// ChatPayload chat 事件內容
type ChatPayload struct {
	TS      int64       `json:"ts"`
	From    string      `json:"from"`
	Channel ChatChannel `json:"channel"`
	To      string      `json:"to,omitempty"`
	Text    string      `json:"text"`
}

// MovementArrivedPayload movementArrived 事件內容
type MovementArrivedPayload struct {
	Movement Movement `json:"movement"`
}

func msgEvent(text, code string) Event {
	return Event{Type: EventMsg, Data: MsgPayload{Text: text, Code: code}}
}
