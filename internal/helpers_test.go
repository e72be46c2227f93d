package internal_test

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/koopa0/system-design/strategy-server/internal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock 手動推進的時鐘，到期的計時器在 Advance 的呼叫者 goroutine 上依時間順序執行
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) internal.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推進時間並執行所有到期的計時器（包括執行期間新排入且已到期的）
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.fn()
	}
}

// Pending 尚未觸發也未取消的計時器數
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// recordingSink 記錄收到的所有事件
type recordingSink struct {
	mu     sync.Mutex
	events []internal.Event
	err    error
}

func (s *recordingSink) Send(ev internal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []internal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]internal.Event(nil), s.events...)
}

func (s *recordingSink) Count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSink) Last(typ string) (internal.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == typ {
			return s.events[i], true
		}
	}
	return internal.Event{}, false
}

func (s *recordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

func newTestManager(t *testing.T, clock *fakeClock, opts ...internal.ManagerOption) *internal.Manager {
	t.Helper()

	base := []internal.ManagerOption{
		internal.WithClock(clock),
		internal.WithSeed(42),
		internal.WithCleanupInterval(0),
	}
	m := internal.NewManager(testLogger(), append(base, opts...)...)
	t.Cleanup(m.Stop)
	return m
}

func playerID(i int) string {
	return fmt.Sprintf("player_%02d", i)
}

// newLobby 建立房間並加入 n 位玩家（player_00 為房主），回傳每位玩家的 sink
func newLobby(t *testing.T, m *internal.Manager, n int) (*internal.Room, map[string]*recordingSink) {
	t.Helper()

	sinks := make(map[string]*recordingSink, n)
	owner := playerID(0)
	sinks[owner] = &recordingSink{}

	room, err := m.CreateRoom(owner, sinks[owner])
	require.NoError(t, err)

	for i := 1; i < n; i++ {
		id := playerID(i)
		sinks[id] = &recordingSink{}
		_, err := m.JoinRoom(room.ID, id, sinks[id])
		require.NoError(t, err)
	}
	return room, sinks
}

// newRunningRoom 建立 n 人房間並開局，清空開局前的事件
func newRunningRoom(t *testing.T, m *internal.Manager, n int) (*internal.Room, map[string]*recordingSink) {
	t.Helper()

	room, sinks := newLobby(t, m, n)
	require.NoError(t, m.StartGame(room.ID, playerID(0)))
	for _, s := range sinks {
		s.Reset()
	}
	return room, sinks
}

// eventOfType 比對事件類型的 gomock matcher
type eventOfType string

func (m eventOfType) Matches(x any) bool {
	ev, ok := x.(internal.Event)
	return ok && ev.Type == string(m)
}

func (m eventOfType) String() string {
	return "event of type " + string(m)
}

var _ gomock.Matcher = eventOfType("")
