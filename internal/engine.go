package internal

import (
	"log/slog"
	"time"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

// 系統設計問題：
//   玩家送出的行動要驗證、修改權威狀態，部分行動還要在未來某個時間點生效。
//
// 設計方案：
//   ✅ 所有驗證與修改都在房間鎖內一次完成（不會通過過期的資源檢查）
//   ✅ 延遲效果交給房間的 Scheduler，觸發時重新進入房間鎖
//   ✅ 驗證失敗回傳 AppError，不修改任何狀態、不推送任何事件
//
// 時間常數：
//   gather：travel = max(2000ms, floor(distance × 80ms))，抵達 = now + 2 × travel（往返）
//   march ：玩家間距離不建模，固定 200 × 100ms = 20000ms
//   spy   ：2000ms 後回報，20% 被抓

// ActionKind 行動種類
type ActionKind string

const (
	ActionGather  ActionKind = "gather"
	ActionMarch   ActionKind = "march"
	ActionSpy     ActionKind = "spy"
	ActionUpgrade ActionKind = "upgrade"
)

// UnitKind 可升級的兵種
type UnitKind string

const (
	UnitSoldier UnitKind = "soldier"
	UnitCavalry UnitKind = "cavalry"
	UnitArcher  UnitKind = "archer"
)

const (
	gatherMinTravel     = 2000 * time.Millisecond
	gatherMsPerDistance = 80
	marchDistance       = 200
	marchMsPerDistance  = 100
	upgradeFoodCost     = 10

	// DefaultSpyDelay 間諜回報延遲
	DefaultSpyDelay = 2000 * time.Millisecond
	// DefaultSpyCatchChance 間諜被抓機率
	DefaultSpyCatchChance = 0.2
)

// ActionParams 行動參數，依行動種類使用其中一部分
type ActionParams struct {
	NodeID   string   `json:"nodeId,omitempty"`
	TargetID string   `json:"targetId,omitempty"`
	Units    int      `json:"units,omitempty"`
	Unit     UnitKind `json:"unit,omitempty"`
}

// Engine 行動引擎
type Engine struct {
	manager     *Manager
	logger      *slog.Logger
	spyDelay    time.Duration
	catchChance float64
}

// EngineOption 引擎選項
type EngineOption func(*Engine)

// WithSpyDelay 設定間諜回報延遲
func WithSpyDelay(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.spyDelay = d
	}
}

// WithSpyCatchChance 設定間諜被抓機率（0-1）
func WithSpyCatchChance(p float64) EngineOption {
	return func(e *Engine) {
		e.catchChance = p
	}
}

// NewEngine 創建行動引擎
func NewEngine(manager *Manager, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		manager:     manager,
		logger:      logger,
		spyDelay:    DefaultSpyDelay,
		catchChance: DefaultSpyCatchChance,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GatherTravel 採集單程時間
func GatherTravel(distance int) time.Duration {
	travel := time.Duration(distance*gatherMsPerDistance) * time.Millisecond
	return max(gatherMinTravel, travel)
}

// MarchTravel 出征時間（固定）
func MarchTravel() time.Duration {
	return time.Duration(marchDistance*marchMsPerDistance) * time.Millisecond
}

// SubmitAction 驗證並執行玩家行動
//
// 回傳 nil 代表行動已生效，結果透過廣播 / 單播事件送出；
// 回傳錯誤代表狀態完全沒有變動。
func (e *Engine) SubmitAction(roomID, playerID string, kind ActionKind, params ActionParams) error {
	room, err := e.manager.GetRoom(roomID)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed || room.status != StatusRunning || room.game == nil {
		return apperrors.ErrGameNotRunning
	}

	econ, ok := room.actorLocked(playerID)
	if !ok {
		return apperrors.ErrPlayerNotFound
	}

	switch kind {
	case ActionGather:
		err = e.gather(room, playerID, econ, params)
	case ActionMarch:
		err = e.march(room, playerID, econ, params)
	case ActionSpy:
		err = e.spy(room, playerID, econ, params)
	case ActionUpgrade:
		err = e.upgrade(room, econ, params)
	default:
		err = apperrors.ErrUnknownAction.WithDetails(string(kind))
	}
	if err != nil {
		return err
	}

	room.touchLocked()
	e.logger.Debug("行動已執行",
		"room_id", roomID,
		"player_id", playerID,
		"action", kind)
	return nil
}

func (e *Engine) gather(room *Room, playerID string, econ *Economy, p ActionParams) error {
	if p.Units <= 0 {
		return apperrors.ErrInvalidUnits
	}
	node, ok := room.game.node(p.NodeID)
	if !ok {
		return apperrors.ErrNodeNotFound.WithDetails(p.NodeID)
	}
	if econ.Soldiers < p.Units {
		return apperrors.ErrInsufficientSoldiers
	}

	// 往返時間
	travel := 2 * GatherTravel(node.Distance)
	if err := e.dispatch(room, MovementGather, playerID, node.ID, p.Units, travel); err != nil {
		return err
	}
	econ.Soldiers -= p.Units

	room.broadcastLocked(stateEvent(room))
	return nil
}

// march 兵力不足時直接拒絕，與 gather 一致
func (e *Engine) march(room *Room, playerID string, econ *Economy, p ActionParams) error {
	if p.Units <= 0 {
		return apperrors.ErrInvalidUnits
	}
	if _, ok := room.actorLocked(p.TargetID); !ok {
		return apperrors.ErrPlayerNotFound.WithDetails(p.TargetID)
	}
	if econ.Soldiers < p.Units {
		return apperrors.ErrInsufficientSoldiers
	}

	if err := e.dispatch(room, MovementMarch, playerID, p.TargetID, p.Units, MarchTravel()); err != nil {
		return err
	}
	econ.Soldiers -= p.Units

	room.broadcastLocked(stateEvent(room))
	return nil
}

// spy 立即扣除一名間諜，延遲後只回報給發起者
func (e *Engine) spy(room *Room, playerID string, econ *Economy, p ActionParams) error {
	if _, ok := room.actorLocked(p.TargetID); !ok {
		return apperrors.ErrPlayerNotFound.WithDetails(p.TargetID)
	}
	if econ.Spies <= 0 {
		return apperrors.ErrInsufficientSpies
	}

	caught := room.rng.Float64() < e.catchChance
	targetID := p.TargetID

	scheduled := room.afterLocked(e.spyDelay, func() {
		result := SpyResultPayload{OK: !caught}
		if caught {
			result.Reason = "間諜被抓"
		} else if target, ok := room.game.Players[targetID]; ok {
			result.Info = &SpyInfo{
				Target:     targetID,
				Population: target.Population,
				Soldiers:   target.Soldiers,
			}
		} else {
			result.OK = false
			result.Reason = "目標已不存在"
		}
		room.notifyLocked(playerID, Event{Type: EventSpyResult, Data: result})
	})
	if !scheduled {
		return apperrors.ErrRoomClosed
	}

	econ.Spies--
	return nil
}

func (e *Engine) upgrade(room *Room, econ *Economy, p ActionParams) error {
	var counter *int
	switch p.Unit {
	case UnitSoldier:
		counter = &econ.Soldiers
	case UnitCavalry:
		counter = &econ.Cavalry
	case UnitArcher:
		counter = &econ.Archers
	default:
		return apperrors.ErrUnknownUnit.WithDetails(string(p.Unit))
	}

	if econ.Food < upgradeFoodCost {
		return apperrors.ErrInsufficientFood
	}

	econ.Food -= upgradeFoodCost
	*counter++

	room.broadcastLocked(stateEvent(room))
	return nil
}

// dispatch 建立行軍並排程抵達（需持有房間鎖）
//
// 抵達時只把行軍移出佇列並公告，不結算採集產量或戰鬥。
// 公告順序與提交順序一致。
func (e *Engine) dispatch(room *Room, kind MovementKind, origin, target string, units int, travel time.Duration) error {
	id, err := room.ids.Generate()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "generate movement id")
	}

	mv := &Movement{
		ID:       id,
		Kind:     kind,
		Origin:   origin,
		Target:   target,
		Units:    units,
		ArriveAt: room.clock.Now().Add(travel).UnixMilli(),
	}

	scheduled := room.afterLocked(travel, func() {
		e.arrive(room)
	})
	if !scheduled {
		return apperrors.ErrRoomClosed
	}

	room.game.Movements = append(room.game.Movements, mv)
	return nil
}

// arrive 依提交順序公告所有已到期的行軍（需持有房間鎖）
//
// 同一毫秒到期的行軍由最先觸發的計時器一併處理，
// 之後的計時器找不到到期行軍就直接返回。
func (e *Engine) arrive(room *Room) {
	arrived := room.game.takeDue(room.clock.Now().UnixMilli())
	if len(arrived) == 0 {
		return
	}
	for _, mv := range arrived {
		room.broadcastLocked(Event{
			Type: EventMovementArrived,
			Data: MovementArrivedPayload{Movement: *mv},
		})
	}
	room.broadcastLocked(stateEvent(room))
}

func stateEvent(room *Room) Event {
	return Event{Type: EventState, Data: room.game.snapshot()}
}
