package internal

import (
	"sync"
	"time"
)

// 系統設計問題：
//   行軍抵達、間諜回報都是「N 毫秒後再處理」的效果，房間停止或銷毀後不能再生效。
//
// 設計方案：
//   ✅ 每個房間擁有自己的 Scheduler，任務只屬於一個房間
//   ✅ 任務觸發前先確認仍在待執行表中（CancelAll 之後不會再執行）
//   ✅ 回調自行重新取得房間鎖（不因來自計時器就跳過互斥）

// Task 延遲任務
type Task struct {
	ID        uint64
	ExecuteAt time.Time
	timer     Timer
}

// Scheduler 房間擁有的延遲任務表
type Scheduler struct {
	clock  Clock
	mu     sync.Mutex
	tasks  map[uint64]*Task
	nextID uint64
	closed bool
}

// NewScheduler 創建任務表
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		tasks: make(map[uint64]*Task),
	}
}

// Schedule 在 delay 之後執行 fn
//
// 已關閉的任務表不接受新任務，回傳 false。
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (uint64, bool) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false
	}

	s.nextID++
	task := &Task{
		ID:        s.nextID,
		ExecuteAt: s.clock.Now().Add(delay),
	}
	s.tasks[task.ID] = task

	id := task.ID
	task.timer = s.clock.AfterFunc(delay, func() {
		if !s.take(id) {
			return
		}
		fn()
	})

	return id, true
}

// take 把任務移出待執行表，已取消則回傳 false
func (s *Scheduler) take(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false
	}
	delete(s.tasks, id)
	return true
}

// Cancel 取消單一任務
func (s *Scheduler) Cancel(id uint64) bool {
	s.mu.Lock()
	task, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if ok && task.timer != nil {
		task.timer.Stop()
	}
	return ok
}

// CancelAll 取消所有待執行任務，回傳取消數量
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[uint64]*Task)
	s.mu.Unlock()

	for _, task := range tasks {
		if task.timer != nil {
			task.timer.Stop()
		}
	}
	return len(tasks)
}

// Close 取消所有任務並拒絕之後的排程
func (s *Scheduler) Close() int {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.CancelAll()
}

// Size 返回待執行任務數
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
