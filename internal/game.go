package internal

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// ResourceKind 資源種類
type ResourceKind string

const (
	ResourceWood  ResourceKind = "wood"
	ResourceStone ResourceKind = "stone"
	ResourceIron  ResourceKind = "iron"
	ResourceGold  ResourceKind = "gold"
)

// ResourceKinds 所有資源種類（固定順序）
var ResourceKinds = []ResourceKind{ResourceWood, ResourceStone, ResourceIron, ResourceGold}

// 開局預設值
const (
	startPopulation = 10
	startFood       = 20
	startSoldiers   = 4
	startCavalry    = 1
	startArchers    = 2
	startSpies      = 4
	civilGuards     = 8
	tribeDogs       = 30
	startLevel      = 1

	nodeCount = 8
)

func startingResources() map[ResourceKind]int {
	return map[ResourceKind]int{
		ResourceWood:  50,
		ResourceStone: 30,
		ResourceIron:  10,
		ResourceGold:  20,
	}
}

// Economy 玩家經濟紀錄
//
// 所有數量都是非負整數，只有行動引擎會在房間鎖內修改。
type Economy struct {
	Population       int                  `json:"population"`
	Food             int                  `json:"food"`
	Soldiers         int                  `json:"soldiers"`
	Cavalry          int                  `json:"cavalry"`
	Archers          int                  `json:"archers"`
	Spies            int                  `json:"spies"`
	Guards           int                  `json:"guards"`
	Dogs             int                  `json:"dogs"`
	Resources        map[ResourceKind]int `json:"resources"`
	Level            int                  `json:"level"`
	Progress         int                  `json:"progress"`
	HasFacility      bool                 `json:"hasFacility"`
	GrowthModifier   float64              `json:"growthModifier"`
	LastGrowthChange *time.Time           `json:"lastGrowthChange"`
}

// NewEconomy 依陣營類別建立開局經濟紀錄
func NewEconomy(category FactionCategory) *Economy {
	e := &Economy{
		Population:     startPopulation,
		Food:           startFood,
		Soldiers:       startSoldiers,
		Cavalry:        startCavalry,
		Archers:        startArchers,
		Spies:          startSpies,
		Resources:      startingResources(),
		Level:          startLevel,
		GrowthModifier: 1,
	}
	if category == CategoryCivil {
		e.Guards = civilGuards
	}
	if category == CategoryTribe {
		e.Dogs = tribeDogs
	}
	return e
}

func (e *Economy) clone() Economy {
	cp := *e
	cp.Resources = make(map[ResourceKind]int, len(e.Resources))
	for k, v := range e.Resources {
		cp.Resources[k] = v
	}
	if e.LastGrowthChange != nil {
		t := *e.LastGrowthChange
		cp.LastGrowthChange = &t
	}
	return cp
}

// ResourceNode 可採集的資源點，整局遊戲內不變
type ResourceNode struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Distance  int    `json:"distance"`
	YieldRate int    `json:"yieldRate"`
}

var nodeTypes = []string{"forest", "quarry", "iron_mine", "gold_mine"}

// generateNodes 開局時產生固定的資源點列表
func generateNodes(rng *rand.Rand) []ResourceNode {
	nodes := make([]ResourceNode, 0, nodeCount)
	for i := 0; i < nodeCount; i++ {
		nodes = append(nodes, ResourceNode{
			ID:        fmt.Sprintf("node-%d", i+1),
			Type:      nodeTypes[i%len(nodeTypes)],
			Distance:  10 + rng.IntN(111), // 10-120
			YieldRate: 1 + rng.IntN(5),
		})
	}
	return nodes
}

// MovementKind 行軍種類
type MovementKind string

const (
	MovementGather MovementKind = "gather"
	MovementMarch  MovementKind = "march"
)

// Movement 已出發、尚未抵達的部隊
//
// 建立後不再修改，抵達時從佇列移除。
type Movement struct {
	ID       int64        `json:"id"`
	Kind     MovementKind `json:"kind"`
	Origin   string       `json:"origin"`
	Target   string       `json:"target,omitempty"`
	Units    int          `json:"units"`
	ArriveAt int64        `json:"arriveAt"` // 毫秒時間戳
}

// GameState 房間的權威遊戲狀態，只屬於一個房間
type GameState struct {
	Players   map[string]*Economy
	Nodes     []ResourceNode
	Movements []*Movement
	CreatedAt time.Time
}

// GameSnapshot 可安全序列化、跨鎖傳遞的遊戲狀態副本
type GameSnapshot struct {
	Players   map[string]Economy `json:"players"`
	Nodes     []ResourceNode     `json:"nodes"`
	Movements []Movement         `json:"movements"`
	CreatedAt int64              `json:"createdAt"`
}

func newGameState(players map[string]FactionCategory, now time.Time, rng *rand.Rand) *GameState {
	gs := &GameState{
		Players:   make(map[string]*Economy, len(players)),
		Nodes:     generateNodes(rng),
		CreatedAt: now,
	}
	for id, category := range players {
		gs.Players[id] = NewEconomy(category)
	}
	return gs
}

func (gs *GameState) node(id string) (ResourceNode, bool) {
	for _, n := range gs.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return ResourceNode{}, false
}

// takeDue 依佇列順序取出所有 ArriveAt <= now 的行軍，其餘保持原順序
func (gs *GameState) takeDue(now int64) []*Movement {
	var due []*Movement
	pending := gs.Movements[:0]
	for _, mv := range gs.Movements {
		if mv.ArriveAt <= now {
			due = append(due, mv)
			continue
		}
		pending = append(pending, mv)
	}
	clear(gs.Movements[len(pending):])
	gs.Movements = pending
	return due
}

func (gs *GameState) snapshot() GameSnapshot {
	snap := GameSnapshot{
		Players:   make(map[string]Economy, len(gs.Players)),
		Nodes:     append([]ResourceNode(nil), gs.Nodes...),
		Movements: make([]Movement, 0, len(gs.Movements)),
		CreatedAt: gs.CreatedAt.UnixMilli(),
	}
	for id, e := range gs.Players {
		snap.Players[id] = e.clone()
	}
	for _, mv := range gs.Movements {
		snap.Movements = append(snap.Movements, *mv)
	}
	return snap
}
