package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Bus 接口
type Bus interface {
	// 发布事件（非阻塞，缓冲区满时丢弃低优先级事件）
	Publish(event Event)

	// 订阅事件，返回只读通道；慢消费者会丢事件而不是阻塞总线
	Subscribe(types ...EventType) <-chan Event

	// 启动和停止
	Start() error
	Stop() error

	// 获取统计信息
	GetStats() BusStats
}

// 统计信息
type BusStats struct {
	TotalEvents     int64               `json:"total_events"`
	ProcessedEvents int64               `json:"processed_events"`
	DroppedEvents   int64               `json:"dropped_events"`
	EventsByType    map[EventType]int64 `json:"events_by_type"`
	StartTime       time.Time           `json:"start_time"`
}

type subscriber struct {
	ch    chan Event
	types map[EventType]bool // 空表示订阅全部
}

// Bus 实现
type eventBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	eventChan chan Event

	subMu       sync.RWMutex
	subscribers []*subscriber

	statsMu sync.RWMutex
	stats   BusStats

	running bool
	wg      sync.WaitGroup
}

// NewBus 创建新的事件总线实例
func NewBus(logger *slog.Logger) Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventBus{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		eventChan: make(chan Event, 1000),
		stats: BusStats{
			EventsByType: make(map[EventType]int64),
			StartTime:    time.Now(),
		},
	}
}

func (eb *eventBus) Start() error {
	if eb.running {
		return fmt.Errorf("事件总线已在运行")
	}
	eb.running = true

	eb.wg.Add(1)
	go eb.dispatchLoop()

	eb.logger.Info("🚀 [事件总线] 已启动")
	return nil
}

func (eb *eventBus) Stop() error {
	if !eb.running {
		return nil
	}
	eb.running = false
	eb.cancel()
	eb.wg.Wait()

	eb.subMu.Lock()
	for _, sub := range eb.subscribers {
		close(sub.ch)
	}
	eb.subscribers = nil
	eb.subMu.Unlock()

	eb.logger.Info("🛑 [事件总线] 已停止")
	return nil
}

func (eb *eventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.statsMu.Lock()
	eb.stats.TotalEvents++
	eb.stats.EventsByType[event.Type]++
	eb.statsMu.Unlock()

	select {
	case eb.eventChan <- event:
	default:
		// 缓冲区满：高优先级事件阻塞等待，其余丢弃
		if event.Priority >= PriorityHigh {
			select {
			case eb.eventChan <- event:
			case <-eb.ctx.Done():
			}
			return
		}
		eb.statsMu.Lock()
		eb.stats.DroppedEvents++
		eb.statsMu.Unlock()
	}
}

func (eb *eventBus) Subscribe(types ...EventType) <-chan Event {
	sub := &subscriber{
		ch:    make(chan Event, 100),
		types: make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	eb.subMu.Lock()
	eb.subscribers = append(eb.subscribers, sub)
	eb.subMu.Unlock()

	return sub.ch
}

func (eb *eventBus) dispatchLoop() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventChan:
			eb.deliver(event)
			eb.statsMu.Lock()
			eb.stats.ProcessedEvents++
			eb.statsMu.Unlock()
		}
	}
}

func (eb *eventBus) deliver(event Event) {
	eb.subMu.RLock()
	defer eb.subMu.RUnlock()

	for _, sub := range eb.subscribers {
		if len(sub.types) > 0 && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// 慢消费者，丢弃而不阻塞派发循环
			eb.statsMu.Lock()
			eb.stats.DroppedEvents++
			eb.statsMu.Unlock()
		}
	}
}

func (eb *eventBus) GetStats() BusStats {
	eb.statsMu.RLock()
	defer eb.statsMu.RUnlock()

	stats := eb.stats
	stats.EventsByType = make(map[EventType]int64, len(eb.stats.EventsByType))
	for t, n := range eb.stats.EventsByType {
		stats.EventsByType[t] = n
	}
	return stats
}
