// Package internal 實現即時多人策略遊戲的房間服務器。
//
// 玩家透過 WebSocket 進入共享房間，由房主分配陣營並開局；
// 開局後玩家下達採集、出征、間諜、升級等行動，
// 服務器以權威狀態驗證、修改並廣播結果。
//
// # 房間註冊表
//
// Manager 以 6 碼房間代碼管理房間：
//   - 建立時碰撞重試，重試用完只讓該次請求失敗
//   - 最後一位玩家離開時銷毀房間
//   - 定期清理空房間與停止過久的房間
//
// # 房間與遊戲狀態
//
// Room 持有成員、陣營名單、生命週期（waiting → running → stopped）
// 以及開局後的 GameState。每個房間一把 Mutex，所有修改都在鎖內完成。
//
// # 行動引擎
//
// Engine 驗證並套用行動；行軍抵達與間諜回報是延遲效果，
// 交給房間擁有的 Scheduler，停止或銷毀房間時一併取消。
//
// # 通知
//
// 核心只透過 Sink 介面推送事件。WebSocket 連線實作 Sink，
// 推送是非阻塞的：緩衝區滿時直接丟棄並記錄。
//
// # 限流
//
// 註冊與登入依來源 IP 限流；每條 WebSocket 連線的指令數也有上限，
// 超過的指令不會進到房間，只回一則 RATE_LIMITED 提示。
//
// 使用範例
//
//	manager := internal.NewManager(logger)
//	engine := internal.NewEngine(manager, logger)
//	dispatcher := internal.NewDispatcher(manager, engine, logger)
//	hub := internal.NewWebSocketHub(dispatcher, verifier, logger)
//
//	mux.Handle("/", internal.NewHandler(manager, auth, logger).Routes())
//	mux.HandleFunc("/ws", hub.ServeWS)
//
// 客戶端框架：
//
//	{"type": "joinRoom", "data": {"roomId": "K3X9QZ"}}
//	{"type": "action", "data": {"roomId": "K3X9QZ", "action": "gather", "params": {"nodeId": "node-1", "units": 2}}}
package internal
