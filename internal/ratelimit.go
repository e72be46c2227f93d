package internal

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// 系統設計問題：
//   註冊與登入會跑 bcrypt，是最容易被暴力嘗試的入口；
//   WebSocket 連線也可能灌入大量指令佔住房間鎖。
//
// 設計方案：
//   ✅ HTTP：每個來源 IP 一個令牌桶，超過回 429
//   ✅ WebSocket：每條連線一個令牌桶，超過的指令直接丟棄並提示
//   ✅ 閒置的 IP 令牌桶定期清除，避免 map 無限成長

// RateLimiter 依 key 限流的令牌桶集合
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter 創建限流器，perSecond <= 0 代表不限流
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:    toLimit(perSecond),
		burst:    max(burst, 1),
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func toLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Allow 消耗 key 的一個令牌
func (l *RateLimiter) Allow(key string) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	now := l.now()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Prune 移除閒置超過 idle 的 key，回傳移除數量
func (l *RateLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > idle {
			delete(l.visitors, key)
			removed++
		}
	}
	return removed
}

// Size 目前追蹤的 key 數量
func (l *RateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// clientIP 取出請求來源 IP（不信任代理標頭）
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newConnLimiter 單一連線的指令限流
func newConnLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(toLimit(perSecond), max(burst, 1))
}
