// Package generator 產生全域唯一的行軍（Movement）ID
//
// 使用 Snowflake 64-bit 佈局：
//
//	[1-bit 符號][41-bit 時間戳][10-bit 節點ID][12-bit 序列號]
//
// 同一節點每毫秒最多 4096 個 ID，時間戳在高位，
// 所以同一房間內的 ID 大致依提交順序遞增。
package generator

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// epoch 起始時間（2024-01-01 00:00:00 UTC）
	epoch int64 = 1704067200000

	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12

	maxNodeID   = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// 時鐘回撥容忍度（毫秒）
	defaultMaxBackwardMS = 5000
)

var (
	// ErrInvalidNodeID 節點 ID 超出範圍
	ErrInvalidNodeID = errors.New("node ID must be between 0 and 1023")

	// ErrClockMovedBackwards 時鐘回撥過多
	ErrClockMovedBackwards = errors.New("clock moved backwards too much")
)

// Snowflake ID 生成器，並發安全
type Snowflake struct {
	mu            sync.Mutex
	nodeID        int64
	sequence      int64
	lastTimestamp int64
	maxBackwardMS int64
	clockBacks    int64
	now           func() int64
}

// Option 生成器選項
type Option func(*Snowflake)

// WithMaxBackward 設定可容忍的時鐘回撥（毫秒）
func WithMaxBackward(ms int64) Option {
	return func(s *Snowflake) {
		if ms > 0 {
			s.maxBackwardMS = ms
		}
	}
}

// WithTimeSource 替換毫秒時間來源（測試用）
func WithTimeSource(now func() int64) Option {
	return func(s *Snowflake) {
		s.now = now
	}
}

// NewSnowflake 創建生成器，nodeID 範圍 0-1023
//
// 多個伺服器實例共用同一個 ID 空間時，每個實例要配置不同的 nodeID。
func NewSnowflake(nodeID int64, opts ...Option) (*Snowflake, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidNodeID, nodeID)
	}

	s := &Snowflake{
		nodeID:        nodeID,
		maxBackwardMS: defaultMaxBackwardMS,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// MustNewSnowflake 同 NewSnowflake，nodeID 不合法時 panic
//
// 只用於 nodeID 為常數的場合。
func MustNewSnowflake(nodeID int64, opts ...Option) *Snowflake {
	s, err := NewSnowflake(nodeID, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Generate 生成下一個 ID
//
// 小幅時鐘回撥沿用上次時間戳繼續發號；
// 超過容忍度則拒絕，寧可讓單一請求失敗也不發出重複 ID。
func (s *Snowflake) Generate() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timestamp := s.now()

	if timestamp < s.lastTimestamp {
		offset := s.lastTimestamp - timestamp
		if offset > s.maxBackwardMS {
			return 0, fmt.Errorf("%w: offset=%dms, max=%dms",
				ErrClockMovedBackwards, offset, s.maxBackwardMS)
		}
		s.clockBacks++
		timestamp = s.lastTimestamp
	}

	if timestamp == s.lastTimestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 本毫秒序列號用完
			timestamp = s.waitNextMillis(s.lastTimestamp)
		}
	} else {
		s.sequence = 0
	}

	s.lastTimestamp = timestamp

	return ((timestamp - epoch) << timestampShift) |
		(s.nodeID << nodeShift) |
		s.sequence, nil
}

func (s *Snowflake) waitNextMillis(last int64) int64 {
	timestamp := s.now()
	for timestamp <= last {
		time.Sleep(10 * time.Microsecond)
		timestamp = s.now()
	}
	return timestamp
}

// ClockBacks 返回容忍過的時鐘回撥次數（監控用）
func (s *Snowflake) ClockBacks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clockBacks
}

// Info Snowflake ID 解析結果
type Info struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	NodeID   int64     `json:"node_id"`
	Sequence int64     `json:"sequence"`
}

// Parse 解析 ID 的各個欄位
func Parse(id int64) Info {
	return Info{
		ID:       id,
		Time:     time.UnixMilli((id >> timestampShift) + epoch),
		NodeID:   (id >> nodeShift) & maxNodeID,
		Sequence: id & maxSequence,
	}
}
