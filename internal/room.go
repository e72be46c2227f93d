package internal

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/strategy-server/internal/generator"
	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

// 系統設計問題：
//   多名玩家同時對同一房間做陣營分配、開局、下達行動，如何保證狀態一致？
//
// 核心挑戰：
//   1. 不可交換的操作：兩個並發的 upgrade 不能都通過舊的糧食檢查
//   2. 延遲效果：計時器觸發時同樣要進入房間的互斥區
//   3. 生命週期：waiting → running → stopped，停止後不可恢復
//
// 設計方案：
//   ✅ 每個房間一把 Mutex，所有讀寫都在鎖內完成
//   ✅ 房間擁有自己的 Scheduler，停止 / 銷毀時一併取消
//   ✅ 世代計數（gen）：停止後才觸發的舊任務直接丟棄
//   ✅ 事件透過非阻塞 Sink 推送，鎖內推送不會卡住

// RoomStatus 房間狀態
//
//	waiting → running → stopped
//
// 只有房主能開局與停止；stopped 為終態。
type RoomStatus string

const (
	StatusWaiting RoomStatus = "waiting"
	StatusRunning RoomStatus = "running"
	StatusStopped RoomStatus = "stopped"
)

// FactionCategory 陣營類別，決定開局的守衛 / 獵犬數量
type FactionCategory string

const (
	CategoryCivil FactionCategory = "civil"
	CategoryTribe FactionCategory = "tribe"
	CategoryNone  FactionCategory = "none"
)

// FactionDef 陣營定義
type FactionDef struct {
	ID       string          `yaml:"id" json:"id"`
	Category FactionCategory `yaml:"category" json:"category"`
}

// Settings 房間設定
type Settings struct {
	Capacity      int          `yaml:"capacity" json:"capacity" env:"CAPACITY"`
	MaxPerFaction int          `yaml:"max_per_faction" json:"maxPerFaction" env:"MAX_PER_FACTION"`
	MinToStart    int          `yaml:"min_to_start" json:"minToStart" env:"MIN_TO_START"`
	Factions      []FactionDef `yaml:"factions" json:"factions"`
}

// DefaultSettings 預設房間設定：12 人、每陣營 3 人、6 人開局
func DefaultSettings() Settings {
	return Settings{
		Capacity:      12,
		MaxPerFaction: 3,
		MinToStart:    6,
		Factions: []FactionDef{
			{ID: "rome", Category: CategoryCivil},
			{ID: "han", Category: CategoryCivil},
			{ID: "huns", Category: CategoryTribe},
			{ID: "goths", Category: CategoryTribe},
		},
	}
}

func (s Settings) categoryOf(factionID string) FactionCategory {
	for _, f := range s.Factions {
		if f.ID == factionID {
			return f.Category
		}
	}
	return CategoryNone
}

// Membership 房間內的玩家
type Membership struct {
	PlayerID string    `json:"playerId"`
	Faction  string    `json:"faction,omitempty"`
	Seat     int       `json:"seat"` // 未分配時為 -1
	JoinedAt time.Time `json:"joinedAt"`

	sink Sink
}

// IDGenerator 行軍 ID 來源
type IDGenerator interface {
	Generate() (int64, error)
}

// RoomDeps 房間依賴
type RoomDeps struct {
	Clock  Clock
	IDs    IDGenerator
	Rand   *rand.Rand
	Logger *slog.Logger
}

// Room 遊戲房間
type Room struct {
	ID string

	mu        sync.Mutex
	ownerID   string
	status    RoomStatus
	players   map[string]*Membership
	factions  map[string][]string // factionID -> 依分配順序的玩家
	nextSeat  map[string]int      // 座位號只增不減，離開不釋出
	settings  Settings
	game      *GameState
	createdAt time.Time
	updatedAt time.Time
	gen       uint64
	closed    bool

	clock     Clock
	scheduler *Scheduler
	rng       *rand.Rand
	ids       IDGenerator
	logger    *slog.Logger
}

// RoomSnapshot 房間狀態副本（用於廣播與 API）
type RoomSnapshot struct {
	ID        string              `json:"roomId"`
	Owner     string              `json:"owner"`
	Status    RoomStatus          `json:"status"`
	Players   []Membership        `json:"players"`
	Factions  map[string][]string `json:"factions"`
	Settings  Settings            `json:"settings"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// NewRoom 創建房間，房主為第一位成員
func NewRoom(id, ownerID string, ownerSink Sink, settings Settings, deps RoomDeps) *Room {
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IDs == nil {
		deps.IDs = generator.MustNewSnowflake(0)
	}

	now := deps.Clock.Now()
	r := &Room{
		ID:        id,
		ownerID:   ownerID,
		status:    StatusWaiting,
		players:   make(map[string]*Membership),
		factions:  make(map[string][]string, len(settings.Factions)),
		nextSeat:  make(map[string]int, len(settings.Factions)),
		settings:  settings,
		createdAt: now,
		updatedAt: now,
		clock:     deps.Clock,
		scheduler: NewScheduler(deps.Clock),
		rng:       deps.Rand,
		ids:       deps.IDs,
		logger:    deps.Logger.With("room_id", id),
	}
	for _, f := range settings.Factions {
		r.factions[f.ID] = []string{}
	}
	r.players[ownerID] = &Membership{
		PlayerID: ownerID,
		Seat:     -1,
		JoinedAt: now,
		sink:     ownerSink,
	}
	return r
}

// AddPlayer 加入玩家
//
// 同一玩家重複加入只更新通知出口（以重新加入代替斷線重連）。
func (r *Room) AddPlayer(playerID string, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return apperrors.ErrRoomClosed
	}

	if m, exists := r.players[playerID]; exists {
		m.sink = sink
		r.touchLocked()
		r.broadcastLocked(r.roomUpdateLocked())
		return nil
	}

	if len(r.players) >= r.settings.Capacity {
		return apperrors.ErrRoomFull
	}

	r.players[playerID] = &Membership{
		PlayerID: playerID,
		Seat:     -1,
		JoinedAt: r.clock.Now(),
		sink:     sink,
	}
	r.touchLocked()
	r.broadcastLocked(r.roomUpdateLocked())
	return nil
}

// RemovePlayer 移除玩家，回傳房間是否已空
//
// 房主離開時轉移給最早加入的玩家；座位號不回收。
// 遊戲進行中離開會放棄經濟狀態，之後不能再行動也不能被當作目標。
// 最後一位玩家離開時房間在同一把鎖內關閉，之後的加入一律回傳 ErrRoomClosed。
func (r *Room) RemovePlayer(playerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.players[playerID]
	if !exists {
		return false, apperrors.ErrPlayerNotFound
	}

	delete(r.players, playerID)
	if m.Faction != "" {
		r.dropFromRosterLocked(m.Faction, playerID)
	}
	if r.game != nil {
		delete(r.game.Players, playerID)
	}

	if len(r.players) == 0 {
		r.closeLocked()
		return true, nil
	}

	if r.ownerID == playerID {
		r.ownerID = r.earliestMemberLocked()
		r.logger.Info("房主已轉移", "new_owner", r.ownerID)
	}

	r.touchLocked()
	r.broadcastLocked(r.roomUpdateLocked())
	return false, nil
}

// AssignRole 房主把玩家分配到陣營，回傳座位號
//
// 每位玩家最多屬於一個陣營：重新分配會從原陣營移出；
// 分配到原本的陣營則不做任何變更。
// 未在設定中的陣營 ID 會即時建立（類別為 none）。
func (r *Room) AssignRole(requesterID, targetID, factionID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, apperrors.ErrRoomClosed
	}
	if requesterID != r.ownerID {
		return 0, apperrors.ErrNotOwner
	}
	if factionID == "" {
		return 0, apperrors.ErrInvalidFaction
	}

	target, exists := r.players[targetID]
	if !exists {
		return 0, apperrors.ErrPlayerNotFound
	}
	if target.Faction == factionID {
		return target.Seat, nil
	}

	roster := r.factions[factionID]
	if len(roster) >= r.settings.MaxPerFaction {
		return 0, apperrors.ErrFactionFull
	}

	if target.Faction != "" {
		r.dropFromRosterLocked(target.Faction, targetID)
	}

	seat := r.nextSeat[factionID]
	r.nextSeat[factionID] = seat + 1
	r.factions[factionID] = append(roster, targetID)
	target.Faction = factionID
	target.Seat = seat
	r.touchLocked()

	r.notifyLocked(targetID, Event{
		Type: EventRoleAssigned,
		Data: RoleAssignedPayload{Faction: factionID, Seat: seat},
	})
	r.broadcastLocked(r.roomUpdateLocked())

	r.logger.Info("陣營已分配", "player_id", targetID, "faction", factionID, "seat", seat)
	return seat, nil
}

// StartGame 開始遊戲（只有房主可以）
//
// 為當前每位成員建立經濟紀錄、產生資源點，之後才接受行動。
func (r *Room) StartGame(requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return apperrors.ErrRoomClosed
	}
	if requesterID != r.ownerID {
		return apperrors.ErrNotOwner
	}
	if r.status != StatusWaiting {
		return apperrors.ErrRoomNotWaiting
	}
	if len(r.players) < r.settings.MinToStart {
		return apperrors.ErrNotEnoughPlayers
	}

	categories := make(map[string]FactionCategory, len(r.players))
	for id, m := range r.players {
		categories[id] = r.settings.categoryOf(m.Faction)
	}

	r.status = StatusRunning
	r.game = newGameState(categories, r.clock.Now(), r.rng)
	r.touchLocked()

	r.broadcastLocked(Event{Type: EventGameStarted, Data: r.game.snapshot()})
	r.broadcastLocked(r.roomUpdateLocked())

	r.logger.Info("遊戲開始", "players", len(r.players))
	return nil
}

// StopGame 停止遊戲（只有房主可以）
//
// 遊戲狀態保留供查詢，但不再接受行動；尚未觸發的延遲效果全部取消。
func (r *Room) StopGame(requesterID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return apperrors.ErrRoomClosed
	}
	if requesterID != r.ownerID {
		return apperrors.ErrNotOwner
	}

	r.status = StatusStopped
	r.gen++
	cancelled := r.scheduler.CancelAll()
	r.touchLocked()

	r.broadcastLocked(r.roomUpdateLocked())

	r.logger.Info("遊戲已停止", "cancelled_tasks", cancelled)
	return nil
}

// Close 銷毀房間：取消所有任務並拒絕之後的操作
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Room) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	r.gen++
	r.scheduler.Close()
	r.game = nil
}

// Detach 連線中斷時清除通知出口，只在仍是同一個出口時生效
//
// 玩家保留在房間內，之後重新 joinRoom 會換上新的出口。
func (r *Room) Detach(playerID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.players[playerID]; ok && m.sink == sink {
		m.sink = nil
	}
}

// Snapshot 取得房間狀態副本
func (r *Room) Snapshot() RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// GameSnapshot 取得遊戲狀態副本，尚未開局時回傳 false
func (r *Room) GameSnapshot() (GameSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.game == nil {
		return GameSnapshot{}, false
	}
	return r.game.snapshot(), true
}

// Status 房間狀態
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Owner 房主 ID
func (r *Room) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ownerID
}

// PlayerCount 玩家數量
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// Member 取得成員資料副本
func (r *Room) Member(playerID string) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.players[playerID]
	if !ok {
		return Membership{}, false
	}
	return *m, true
}

// Roster 取得陣營名單副本
func (r *Room) Roster(factionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.factions[factionID])
}

// PendingTasks 尚未觸發的延遲任務數
func (r *Room) PendingTasks() int {
	return r.scheduler.Size()
}

// expired 判斷房間是否可以清理：已停止超過 ttl，或沒有玩家
func (r *Room) expired(now time.Time, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || len(r.players) == 0 {
		return true
	}
	return r.status == StatusStopped && now.Sub(r.updatedAt) > ttl
}

// actorLocked 取得仍在房間內的玩家經濟狀態（需持有鎖，遊戲須已開始）
func (r *Room) actorLocked(playerID string) (*Economy, bool) {
	if _, member := r.players[playerID]; !member {
		return nil, false
	}
	econ, ok := r.game.Players[playerID]
	return econ, ok
}

// afterLocked 排程延遲效果，觸發時重新取得房間鎖
//
// 房間停止或銷毀後（gen 改變）任務直接丟棄，不會作用在過期的遊戲狀態上。
func (r *Room) afterLocked(delay time.Duration, fn func()) bool {
	gen := r.gen
	_, ok := r.scheduler.Schedule(delay, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.closed || r.gen != gen || r.status != StatusRunning || r.game == nil {
			return
		}
		fn()
	})
	return ok
}

// broadcastLocked 推送給房間內所有成員（需持有鎖）
func (r *Room) broadcastLocked(ev Event) {
	for id, m := range r.players {
		r.sendLocked(id, m, ev)
	}
}

// notifyLocked 只推送給單一成員（需持有鎖）
func (r *Room) notifyLocked(playerID string, ev Event) {
	if m, ok := r.players[playerID]; ok {
		r.sendLocked(playerID, m, ev)
	}
}

func (r *Room) sendLocked(playerID string, m *Membership, ev Event) {
	if m.sink == nil {
		return
	}
	if err := m.sink.Send(ev); err != nil {
		// 慢消費者或已斷線，丟棄事件
		r.logger.Debug("事件推送失敗", "player_id", playerID, "event", ev.Type, "error", err)
	}
}

func (r *Room) roomUpdateLocked() Event {
	return Event{Type: EventRoomUpdate, Data: r.snapshotLocked()}
}

func (r *Room) snapshotLocked() RoomSnapshot {
	players := make([]Membership, 0, len(r.players))
	for _, m := range r.players {
		players = append(players, *m)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].JoinedAt.Equal(players[j].JoinedAt) {
			return players[i].PlayerID < players[j].PlayerID
		}
		return players[i].JoinedAt.Before(players[j].JoinedAt)
	})

	factions := make(map[string][]string, len(r.factions))
	for id, roster := range r.factions {
		factions[id] = slices.Clone(roster)
	}

	return RoomSnapshot{
		ID:        r.ID,
		Owner:     r.ownerID,
		Status:    r.status,
		Players:   players,
		Factions:  factions,
		Settings:  r.settings,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
}

func (r *Room) dropFromRosterLocked(factionID, playerID string) {
	roster := r.factions[factionID]
	if i := slices.Index(roster, playerID); i >= 0 {
		r.factions[factionID] = slices.Delete(roster, i, i+1)
	}
}

func (r *Room) earliestMemberLocked() string {
	var earliest *Membership
	for _, m := range r.players {
		if earliest == nil || m.JoinedAt.Before(earliest.JoinedAt) ||
			(m.JoinedAt.Equal(earliest.JoinedAt) && m.PlayerID < earliest.PlayerID) {
			earliest = m
		}
	}
	if earliest == nil {
		return ""
	}
	return earliest.PlayerID
}

func (r *Room) touchLocked() {
	r.updatedAt = r.clock.Now()
}
