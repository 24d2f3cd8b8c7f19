package events

import "time"

// 事件类型枚举
type EventType string

const (
	// RPC 调用生命周期事件
	EventCallStarted   EventType = "call_started"
	EventCallCompleted EventType = "call_completed"

	// 端点健康事件
	EventEndpointBanned    EventType = "endpoint_banned"
	EventEndpointRecovered EventType = "endpoint_recovered"
	EventPoolReset         EventType = "pool_reset"

	// 交易生命周期事件
	EventTxSubmitted EventType = "tx_submitted"
	EventTxCompleted EventType = "tx_completed"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow EventPriority = iota // 批量处理，如调用统计
	PriorityNormal                   // 延迟处理，如调用完成
	PriorityHigh                     // 立即处理，如端点封禁
	PriorityCritical                 // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}
