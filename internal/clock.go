package internal

import "time"

// Clock 時間來源
//
// 延遲效果（行軍抵達、間諜回報）都透過 Clock 排程，
// 測試時可替換成手動推進的假時鐘。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消的計時器
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock 返回系統時鐘
func RealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
