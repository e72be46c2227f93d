package internal_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/koopa0/system-design/strategy-server/internal"
	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
)

func economyOf(t *testing.T, room *internal.Room, id string) internal.Economy {
	t.Helper()
	game, ok := room.GameSnapshot()
	require.True(t, ok)
	econ, ok := game.Players[id]
	require.True(t, ok, "economy for %s", id)
	return econ
}

// TestGatherTravel 測試採集與出征的移動時間
func TestGatherTravel(t *testing.T) {
	tests := []struct {
		distance int
		want     time.Duration
	}{
		{10, 2000 * time.Millisecond},
		{25, 2000 * time.Millisecond},
		{26, 2080 * time.Millisecond},
		{120, 9600 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, internal.GatherTravel(tt.distance), "distance %d", tt.distance)
	}
	assert.Equal(t, 20*time.Second, internal.MarchTravel())
}

// TestEngine_RejectsWhenNotRunning 遊戲未開始時拒絕行動
func TestEngine_RejectsWhenNotRunning(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())

	room, sinks := newLobby(t, m, 6)

	err := engine.SubmitAction(room.ID, playerID(1), internal.ActionUpgrade, internal.ActionParams{Unit: internal.UnitSoldier})
	assert.ErrorIs(t, err, apperrors.ErrGameNotRunning)

	_, ok := room.GameSnapshot()
	assert.False(t, ok)
	assert.Zero(t, sinks[playerID(2)].Count(internal.EventState))

	err = engine.SubmitAction("NOPE00", playerID(1), internal.ActionUpgrade, internal.ActionParams{})
	assert.ErrorIs(t, err, apperrors.ErrRoomNotFound)
}

// TestEngine_Gather 測試採集的驗證、派出與抵達
func TestEngine_Gather(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, sinks := newRunningRoom(t, m, 6)

	game, _ := room.GameSnapshot()
	node := game.Nodes[0]

	tests := []struct {
		name    string
		params  internal.ActionParams
		wantErr error
	}{
		{"unknown node", internal.ActionParams{NodeID: "node-99", Units: 1}, apperrors.ErrNodeNotFound},
		{"zero units", internal.ActionParams{NodeID: node.ID, Units: 0}, apperrors.ErrInvalidUnits},
		{"too many units", internal.ActionParams{NodeID: node.ID, Units: 5}, apperrors.ErrInsufficientSoldiers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.SubmitAction(room.ID, playerID(1), internal.ActionGather, tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 4, economyOf(t, room, playerID(1)).Soldiers, "失敗時狀態不變")
		})
	}
	assert.Zero(t, sinks[playerID(2)].Count(internal.EventState), "失敗不廣播")

	t.Run("dispatch and arrive", func(t *testing.T) {
		start := clock.Now()
		require.NoError(t, engine.SubmitAction(room.ID, playerID(1), internal.ActionGather,
			internal.ActionParams{NodeID: node.ID, Units: 3}))

		assert.Equal(t, 1, economyOf(t, room, playerID(1)).Soldiers)
		for id, s := range sinks {
			assert.Equal(t, 1, s.Count(internal.EventState), id)
		}

		game, _ := room.GameSnapshot()
		require.Len(t, game.Movements, 1)
		mv := game.Movements[0]
		roundTrip := 2 * internal.GatherTravel(node.Distance)
		assert.Equal(t, internal.MovementGather, mv.Kind)
		assert.Equal(t, playerID(1), mv.Origin)
		assert.Equal(t, node.ID, mv.Target)
		assert.Equal(t, 3, mv.Units)
		assert.Equal(t, start.Add(roundTrip).UnixMilli(), mv.ArriveAt)

		clock.Advance(roundTrip - time.Millisecond)
		game, _ = room.GameSnapshot()
		assert.Len(t, game.Movements, 1, "尚未抵達")

		clock.Advance(time.Millisecond)
		game, _ = room.GameSnapshot()
		assert.Empty(t, game.Movements)

		ev, ok := sinks[playerID(4)].Last(internal.EventMovementArrived)
		require.True(t, ok)
		assert.Equal(t, mv.ID, ev.Data.(internal.MovementArrivedPayload).Movement.ID)
		assert.Equal(t, 2, sinks[playerID(4)].Count(internal.EventState))
	})
}

// TestEngine_March 測試出征
func TestEngine_March(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, _ := newRunningRoom(t, m, 6)

	tests := []struct {
		name    string
		params  internal.ActionParams
		wantErr error
	}{
		{"unknown target", internal.ActionParams{TargetID: "ghost", Units: 1}, apperrors.ErrPlayerNotFound},
		{"negative units", internal.ActionParams{TargetID: playerID(2), Units: -1}, apperrors.ErrInvalidUnits},
		{"insufficient soldiers", internal.ActionParams{TargetID: playerID(2), Units: 10}, apperrors.ErrInsufficientSoldiers},
		{"success", internal.ActionParams{TargetID: playerID(2), Units: 4}, nil},
		{"nothing left", internal.ActionParams{TargetID: playerID(2), Units: 1}, apperrors.ErrInsufficientSoldiers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.SubmitAction(room.ID, playerID(1), internal.ActionMarch, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.Zero(t, economyOf(t, room, playerID(1)).Soldiers)
	assert.Equal(t, 4, economyOf(t, room, playerID(2)).Soldiers, "抵達不結算戰鬥")

	clock.Advance(internal.MarchTravel())
	game, _ := room.GameSnapshot()
	assert.Empty(t, game.Movements)
}

// TestEngine_Upgrade 測試升級兵種
func TestEngine_Upgrade(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, sinks := newRunningRoom(t, m, 6)
	player := playerID(3)

	tests := []struct {
		name    string
		unit    internal.UnitKind
		wantErr error
		check   func(t *testing.T, e internal.Economy)
	}{
		{"unknown unit", "dragon", apperrors.ErrUnknownUnit, nil},
		{"soldier", internal.UnitSoldier, nil, func(t *testing.T, e internal.Economy) {
			assert.Equal(t, 5, e.Soldiers)
			assert.Equal(t, 10, e.Food)
		}},
		{"cavalry", internal.UnitCavalry, nil, func(t *testing.T, e internal.Economy) {
			assert.Equal(t, 2, e.Cavalry)
			assert.Zero(t, e.Food)
		}},
		{"out of food", internal.UnitArcher, apperrors.ErrInsufficientFood, func(t *testing.T, e internal.Economy) {
			assert.Equal(t, 2, e.Archers)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.SubmitAction(room.ID, player, internal.ActionUpgrade, internal.ActionParams{Unit: tt.unit})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.check != nil {
				tt.check(t, economyOf(t, room, player))
			}
		})
	}

	assert.Equal(t, 2, sinks[playerID(0)].Count(internal.EventState))
}

// TestEngine_UnknownActionAndPlayer 測試未知行動與沒有經濟紀錄的玩家
func TestEngine_UnknownActionAndPlayer(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, _ := newRunningRoom(t, m, 6)

	err := engine.SubmitAction(room.ID, playerID(1), "teleport", internal.ActionParams{})
	assert.ErrorIs(t, err, apperrors.ErrUnknownAction)

	// 開局後加入的玩家沒有經濟紀錄
	_, err = m.JoinRoom(room.ID, "late", &recordingSink{})
	require.NoError(t, err)
	err = engine.SubmitAction(room.ID, "late", internal.ActionUpgrade, internal.ActionParams{Unit: internal.UnitSoldier})
	assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
}

// TestEngine_ActionsAfterLeaving 遊戲中離開的玩家不能再行動，也不能被當作目標
func TestEngine_ActionsAfterLeaving(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger(), internal.WithSpyCatchChance(0))
	room, sinks := newRunningRoom(t, m, 6)
	leaver, other := playerID(3), playerID(1)

	// 離開前已派出的間諜
	require.NoError(t, engine.SubmitAction(room.ID, other, internal.ActionSpy, internal.ActionParams{TargetID: leaver}))
	require.NoError(t, m.LeaveRoom(room.ID, leaver))

	game, _ := room.GameSnapshot()
	assert.NotContains(t, game.Players, leaver, "離開即放棄經濟狀態")

	node := game.Nodes[0]
	tests := []struct {
		name   string
		actor  string
		kind   internal.ActionKind
		params internal.ActionParams
	}{
		{"upgrade", leaver, internal.ActionUpgrade, internal.ActionParams{Unit: internal.UnitSoldier}},
		{"gather", leaver, internal.ActionGather, internal.ActionParams{NodeID: node.ID, Units: 1}},
		{"march from", leaver, internal.ActionMarch, internal.ActionParams{TargetID: other, Units: 1}},
		{"spy from", leaver, internal.ActionSpy, internal.ActionParams{TargetID: other}},
		{"march to", other, internal.ActionMarch, internal.ActionParams{TargetID: leaver, Units: 1}},
		{"spy to", other, internal.ActionSpy, internal.ActionParams{TargetID: leaver}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.SubmitAction(room.ID, tt.actor, tt.kind, tt.params)
			assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
		})
	}

	econ := economyOf(t, room, other)
	assert.Equal(t, 4, econ.Soldiers)
	assert.Equal(t, 3, econ.Spies, "只有離開前的那次間諜被扣除")
	assert.Zero(t, sinks[playerID(2)].Count(internal.EventState), "失敗不廣播")

	clock.Advance(internal.DefaultSpyDelay)
	ev, ok := sinks[other].Last(internal.EventSpyResult)
	require.True(t, ok)
	result := ev.Data.(internal.SpyResultPayload)
	assert.False(t, result.OK)
	assert.Nil(t, result.Info)

	t.Run("rejoin does not restore economy", func(t *testing.T) {
		_, err := m.JoinRoom(room.ID, leaver, &recordingSink{})
		require.NoError(t, err)
		err = engine.SubmitAction(room.ID, leaver, internal.ActionUpgrade, internal.ActionParams{Unit: internal.UnitSoldier})
		assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
	})
}

// TestEngine_ArrivalsFollowSubmissionOrder 同一毫秒到期的行軍依提交順序公告
func TestEngine_ArrivalsFollowSubmissionOrder(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, sinks := newRunningRoom(t, m, 6)

	origins := []string{playerID(4), playerID(1), playerID(5)}
	for _, origin := range origins {
		require.NoError(t, engine.SubmitAction(room.ID, origin, internal.ActionMarch,
			internal.ActionParams{TargetID: playerID(2), Units: 1}))
		// 同一毫秒內的不同時間點，各自有獨立的計時器
		clock.Advance(300 * time.Microsecond)
	}

	game, _ := room.GameSnapshot()
	require.Len(t, game.Movements, 3)
	arriveAt := game.Movements[0].ArriveAt
	for _, mv := range game.Movements {
		require.Equal(t, arriveAt, mv.ArriveAt)
	}

	watcher := sinks[playerID(3)]
	watcher.Reset()
	clock.Advance(internal.MarchTravel())

	var got []string
	for _, ev := range watcher.Events() {
		if ev.Type == internal.EventMovementArrived {
			got = append(got, ev.Data.(internal.MovementArrivedPayload).Movement.Origin)
		}
	}
	assert.Equal(t, origins, got)
	assert.Equal(t, 1, watcher.Count(internal.EventState), "同批抵達只廣播一次狀態")

	game, _ = room.GameSnapshot()
	assert.Empty(t, game.Movements)
}

// TestEngine_ConcurrentUpgrades 併發升級時糧食永遠不會變成負數
func TestEngine_ConcurrentUpgrades(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, _ := newRunningRoom(t, m, 6)

	const attempts = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := engine.SubmitAction(room.ID, playerID(1), internal.ActionUpgrade,
				internal.ActionParams{Unit: internal.UnitArcher})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	econ := economyOf(t, room, playerID(1))
	assert.Equal(t, 2, succeeded, "20 糧食只夠升級兩次")
	assert.Zero(t, econ.Food)
	assert.Equal(t, 4, econ.Archers)
}

// TestEngine_StopCancelsPendingEffects 停止遊戲後延遲效果不再生效
func TestEngine_StopCancelsPendingEffects(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger(), internal.WithSpyCatchChance(0))
	room, sinks := newRunningRoom(t, m, 6)

	require.NoError(t, engine.SubmitAction(room.ID, playerID(1), internal.ActionMarch,
		internal.ActionParams{TargetID: playerID(2), Units: 2}))
	require.NoError(t, engine.SubmitAction(room.ID, playerID(1), internal.ActionSpy,
		internal.ActionParams{TargetID: playerID(2)}))
	require.Equal(t, 2, room.PendingTasks())

	require.NoError(t, m.StopGame(room.ID, playerID(0)))
	assert.Zero(t, room.PendingTasks())

	for _, s := range sinks {
		s.Reset()
	}
	clock.Advance(time.Minute)

	for id, s := range sinks {
		assert.Zero(t, s.Count(internal.EventMovementArrived), id)
		assert.Zero(t, s.Count(internal.EventSpyResult), id)
	}

	game, _ := room.GameSnapshot()
	assert.Len(t, game.Movements, 1, "停止後的遊戲狀態不再變動")

	err := engine.SubmitAction(room.ID, playerID(1), internal.ActionUpgrade, internal.ActionParams{Unit: internal.UnitSoldier})
	assert.ErrorIs(t, err, apperrors.ErrGameNotRunning)
}

// TestEngine_Spy 測試間諜成功與被抓
func TestEngine_Spy(t *testing.T) {
	tests := []struct {
		name        string
		catchChance float64
		wantOK      bool
	}{
		{"success", 0, true},
		{"caught", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			m := newTestManager(t, clock)
			engine := internal.NewEngine(m, testLogger(), internal.WithSpyCatchChance(tt.catchChance))
			room, sinks := newRunningRoom(t, m, 6)
			spy, target := playerID(1), playerID(2)

			require.NoError(t, engine.SubmitAction(room.ID, spy, internal.ActionSpy, internal.ActionParams{TargetID: target}))
			assert.Equal(t, 3, economyOf(t, room, spy).Spies, "間諜立即扣除")

			clock.Advance(internal.DefaultSpyDelay - time.Millisecond)
			assert.Zero(t, sinks[spy].Count(internal.EventSpyResult))

			clock.Advance(time.Millisecond)
			ev, ok := sinks[spy].Last(internal.EventSpyResult)
			require.True(t, ok)

			result := ev.Data.(internal.SpyResultPayload)
			assert.Equal(t, tt.wantOK, result.OK)
			if tt.wantOK {
				require.NotNil(t, result.Info)
				assert.Equal(t, target, result.Info.Target)
				assert.Equal(t, 10, result.Info.Population)
				assert.Equal(t, 4, result.Info.Soldiers)
			} else {
				assert.Nil(t, result.Info)
				assert.NotEmpty(t, result.Reason)
			}
		})
	}
}

// TestEngine_SpyRequiresSpies 沒有間諜時拒絕偵查
func TestEngine_SpyRequiresSpies(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger(), internal.WithSpyCatchChance(1))
	room, _ := newRunningRoom(t, m, 6)

	for i := 0; i < 4; i++ {
		require.NoError(t, engine.SubmitAction(room.ID, playerID(1), internal.ActionSpy,
			internal.ActionParams{TargetID: playerID(2)}))
	}
	err := engine.SubmitAction(room.ID, playerID(1), internal.ActionSpy, internal.ActionParams{TargetID: playerID(2)})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientSpies)
	assert.Zero(t, economyOf(t, room, playerID(1)).Spies)

	err = engine.SubmitAction(room.ID, playerID(3), internal.ActionSpy, internal.ActionParams{TargetID: "ghost"})
	assert.ErrorIs(t, err, apperrors.ErrPlayerNotFound)
}

// TestEngine_SpyResultOnlyToSubmitter 間諜結果只送給發起者，
// 其他成員（包括目標）不會收到任何事件
func TestEngine_SpyResultOnlyToSubmitter(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger(), internal.WithSpyCatchChance(0))

	room, _ := newRunningRoom(t, m, 6)

	// 重新加入以換上 mock 出口；加入會廣播 roomUpdate
	mocks := make(map[string]*MockSink, 6)
	for i := 0; i < 6; i++ {
		mocks[playerID(i)] = NewMockSink(ctrl)
		mocks[playerID(i)].EXPECT().Send(eventOfType(internal.EventRoomUpdate)).Return(nil).AnyTimes()
	}
	for i := 0; i < 6; i++ {
		_, err := m.JoinRoom(room.ID, playerID(i), mocks[playerID(i)])
		require.NoError(t, err)
	}

	var got internal.SpyResultPayload
	mocks[playerID(1)].EXPECT().
		Send(eventOfType(internal.EventSpyResult)).
		DoAndReturn(func(ev internal.Event) error {
			got = ev.Data.(internal.SpyResultPayload)
			return nil
		}).
		Times(1)

	require.NoError(t, engine.SubmitAction(room.ID, playerID(1), internal.ActionSpy,
		internal.ActionParams{TargetID: playerID(5)}))
	clock.Advance(internal.DefaultSpyDelay)

	assert.True(t, got.OK)
	require.NotNil(t, got.Info)
	assert.Equal(t, playerID(5), got.Info.Target)
}

// TestEngine_FailureNotifiesNobody 驗證失敗時核心不推送任何事件
func TestEngine_FailureNotifiesNobody(t *testing.T) {
	ctrl := gomock.NewController(t)

	clock := newFakeClock()
	m := newTestManager(t, clock)
	engine := internal.NewEngine(m, testLogger())
	room, _ := newRunningRoom(t, m, 6)

	for i := 0; i < 6; i++ {
		sink := NewMockSink(ctrl)
		sink.EXPECT().Send(eventOfType(internal.EventRoomUpdate)).Return(nil).AnyTimes()
		_, err := m.JoinRoom(room.ID, playerID(i), sink)
		require.NoError(t, err)
	}

	err := engine.SubmitAction(room.ID, playerID(1), internal.ActionGather,
		internal.ActionParams{NodeID: "node-1", Units: 99})
	assert.True(t, apperrors.IsInsufficientResource(err))
}
