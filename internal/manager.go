package internal

import (
	crand "crypto/rand"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

const (
	roomCodeLength   = 6
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts  = 16

	DefaultCleanupInterval = time.Minute
	DefaultStoppedTTL      = 10 * time.Minute
)

// Manager 房間註冊表
//
// 註冊表只負責房間的建立、查找與銷毀；
// 房間內的一切狀態由房間自己的鎖保護，跨房間操作互不影響。
type Manager struct {
	rooms  map[string]*Room // roomCode -> Room
	mu     sync.RWMutex
	logger *slog.Logger

	clock    Clock
	settings Settings
	ids      IDGenerator
	codes    func() (string, error)
	seed     uint64
	seq      uint64 // 每建立一個房間遞增，衍生房間各自的 RNG

	cleanupInterval time.Duration
	stoppedTTL      time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ManagerOption 註冊表選項
type ManagerOption func(*Manager)

// WithClock 設定時間來源
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithSettings 設定新房間的預設設定
func WithSettings(s Settings) ManagerOption {
	return func(m *Manager) {
		m.settings = s
	}
}

// WithIDGenerator 設定行軍 ID 來源
func WithIDGenerator(ids IDGenerator) ManagerOption {
	return func(m *Manager) {
		m.ids = ids
	}
}

// WithCodeGenerator 設定房間代碼產生方式
func WithCodeGenerator(gen func() (string, error)) ManagerOption {
	return func(m *Manager) {
		m.codes = gen
	}
}

// WithSeed 固定隨機種子，讓資源點與間諜判定可重現
func WithSeed(seed uint64) ManagerOption {
	return func(m *Manager) {
		m.seed = seed
	}
}

// WithCleanupInterval 設定清理週期，<= 0 表示不啟動清理 goroutine
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cleanupInterval = d
	}
}

// WithStoppedTTL 已停止的房間保留多久
func WithStoppedTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.stoppedTTL = d
	}
}

// NewManager 創建房間註冊表
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		rooms:           make(map[string]*Room),
		logger:          logger,
		clock:           RealClock(),
		settings:        DefaultSettings(),
		codes:           GenerateRoomCode,
		cleanupInterval: DefaultCleanupInterval,
		stoppedTTL:      DefaultStoppedTTL,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.seed == 0 {
		seed, err := newSeed()
		if err != nil {
			logger.Warn("讀取隨機種子失敗，改用時間", "error", err)
			seed = uint64(time.Now().UnixNano())
		}
		m.seed = seed
	}

	if m.cleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}

	return m
}

// CreateRoom 創建房間，建立者成為房主與第一位成員
//
// 代碼碰撞時重試，重試次數用完只讓這次請求失敗。
func (m *Manager) CreateRoom(ownerID string, sink Sink) (*Room, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := m.codes()
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate room code")
		}
		code = strings.ToUpper(code)

		m.mu.Lock()
		if _, taken := m.rooms[code]; taken {
			m.mu.Unlock()
			continue
		}
		m.seq++
		room := NewRoom(code, ownerID, sink, m.settings, RoomDeps{
			Clock:  m.clock,
			IDs:    m.ids,
			Rand:   rand.New(rand.NewPCG(m.seed, m.seq)),
			Logger: m.logger,
		})
		m.rooms[code] = room
		m.mu.Unlock()

		m.logger.Info("房間已創建",
			"room_id", code,
			"owner", ownerID,
			"attempts", attempt+1)
		return room, nil
	}

	m.logger.Warn("房間代碼耗盡", "owner", ownerID)
	return nil, apperrors.ErrCodeSpaceExhausted
}

// GetRoom 獲取房間（代碼不分大小寫）
func (m *Manager) GetRoom(roomID string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[strings.ToUpper(roomID)]
	m.mu.RUnlock()

	if !exists {
		return nil, apperrors.ErrRoomNotFound.WithDetails(roomID)
	}
	return room, nil
}

// JoinRoom 加入房間
func (m *Manager) JoinRoom(roomID, playerID string, sink Sink) (*Room, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	if err := room.AddPlayer(playerID, sink); err != nil {
		return nil, err
	}

	m.logger.Info("玩家加入房間",
		"room_id", room.ID,
		"player_id", playerID)
	return room, nil
}

// LeaveRoom 離開房間，最後一位玩家離開時銷毀房間
func (m *Manager) LeaveRoom(roomID, playerID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}

	empty, err := room.RemovePlayer(playerID)
	if err != nil {
		return err
	}

	m.logger.Info("玩家離開房間",
		"room_id", room.ID,
		"player_id", playerID)

	if empty {
		m.removeRoom(room.ID, "empty")
	}
	return nil
}

// DestroyRoom 銷毀房間並取消所有待執行任務
func (m *Manager) DestroyRoom(roomID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	m.removeRoom(room.ID, "destroyed")
	return nil
}

// AssignRole 分配陣營
func (m *Manager) AssignRole(roomID, requesterID, targetID, factionID string) (int, error) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return 0, err
	}
	return room.AssignRole(requesterID, targetID, factionID)
}

// StartGame 開始遊戲
func (m *Manager) StartGame(roomID, requesterID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.StartGame(requesterID)
}

// StopGame 停止遊戲
func (m *Manager) StopGame(roomID, requesterID string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.StopGame(requesterID)
}

// SendChat 轉發聊天
func (m *Manager) SendChat(roomID, fromID string, channel ChatChannel, toID, text string) error {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.SendChat(fromID, channel, toID, text)
}

// Detach 連線中斷時解除玩家的通知出口
func (m *Manager) Detach(roomID, playerID string, sink Sink) {
	room, err := m.GetRoom(roomID)
	if err != nil {
		return
	}
	room.Detach(playerID, sink)
}

// RoomSummary 房間列表項目
type RoomSummary struct {
	ID        string     `json:"roomId"`
	Owner     string     `json:"owner"`
	Status    RoomStatus `json:"status"`
	Players   int        `json:"players"`
	Capacity  int        `json:"capacity"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ListRooms 列出房間，status 為空時不過濾
func (m *Manager) ListRooms(status RoomStatus) []RoomSummary {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	result := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		snap := room.Snapshot()
		if status != "" && snap.Status != status {
			continue
		}
		result = append(result, RoomSummary{
			ID:        snap.ID,
			Owner:     snap.Owner,
			Status:    snap.Status,
			Players:   len(snap.Players),
			Capacity:  snap.Settings.Capacity,
			CreatedAt: snap.CreatedAt,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Stats 註冊表統計
type Stats struct {
	TotalRooms   int                `json:"total_rooms"`
	TotalPlayers int                `json:"total_players"`
	PendingTasks int                `json:"pending_tasks"`
	ByStatus     map[RoomStatus]int `json:"by_status"`
}

// Stats 獲取統計資訊
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	stats := Stats{
		TotalRooms: len(rooms),
		ByStatus:   make(map[RoomStatus]int),
	}
	for _, room := range rooms {
		stats.ByStatus[room.Status()]++
		stats.TotalPlayers += room.PlayerCount()
		stats.PendingTasks += room.PendingTasks()
	}
	return stats
}

// cleanupLoop 定期清理過期房間
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 移除空房間與停止超過 TTL 的房間，回傳移除數量
func (m *Manager) Cleanup() int {
	now := m.clock.Now()

	m.mu.RLock()
	var expired []string
	for code, room := range m.rooms {
		if room.expired(now, m.stoppedTTL) {
			expired = append(expired, code)
		}
	}
	m.mu.RUnlock()

	for _, code := range expired {
		m.removeRoom(code, "expired")
	}
	return len(expired)
}

// removeRoom 從註冊表移除並關閉房間
func (m *Manager) removeRoom(code, reason string) {
	m.mu.Lock()
	room, exists := m.rooms[code]
	if exists {
		delete(m.rooms, code)
	}
	m.mu.Unlock()

	if !exists {
		return
	}
	room.Close()
	m.logger.Info("房間已移除", "room_id", code, "reason", reason)
}

// Stop 停止清理並關閉所有房間
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	rooms := m.rooms
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, room := range rooms {
		room.Close()
	}
	m.logger.Info("房間註冊表已停止", "closed_rooms", len(rooms))
}

// GenerateRoomCode 以 crypto/rand 產生 6 碼房間代碼
func GenerateRoomCode() (string, error) {
	var b [roomCodeLength]byte
	if _, err := crand.Read(b[:]); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = roomCodeAlphabet[int(b[i])%len(roomCodeAlphabet)]
	}
	return string(b[:]), nil
}

func newSeed() (uint64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
