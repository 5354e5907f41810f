// Package observer 定義模擬器對外的通知介面 (日誌、連線、數值變更)
package observer

import (
	"sync"
	"time"
)

// Level 日誌等級
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// LogEntry 日誌事件
type LogEntry struct {
	Time     time.Time
	Protocol string
	Level    Level
	Message  string
}

// ConnectionEvent 連線變更事件
type ConnectionEvent struct {
	Time      time.Time
	Protocol  string
	ConnID    string
	Remote    string
	Connected bool
	// Detail 協定特有資訊，例如 S7 的 rack/slot 或 MQTT 的 client id
	Detail string
}

// ValueChange 數值變更事件
type ValueChange struct {
	Time     time.Time
	Protocol string
	Area     string
	Address  int
	Count    int
}

// LogSink 接收日誌
type LogSink interface {
	Log(entry LogEntry)
}

// ConnectionSink 接收連線變更
type ConnectionSink interface {
	ConnectionChanged(event ConnectionEvent)
}

// ValueSink 接收數值變更
type ValueSink interface {
	ValueChanged(change ValueChange)
}

// Hub 將通知同步分送給所有訂閱者
//
// 訂閱者可同時實作多個 Sink 介面，Subscribe 會依實作的介面分別登記。
type Hub struct {
	mu    sync.RWMutex
	logs  []LogSink
	conns []ConnectionSink
	vals  []ValueSink
}

// NewHub 建立通知中心
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe 登記訂閱者，回傳取消訂閱函式
func (h *Hub) Subscribe(sub any) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := sub.(LogSink); ok {
		h.logs = append(h.logs, s)
	}
	if s, ok := sub.(ConnectionSink); ok {
		h.conns = append(h.conns, s)
	}
	if s, ok := sub.(ValueSink); ok {
		h.vals = append(h.vals, s)
	}

	return func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logs = removeSink(h.logs, sub)
	h.conns = removeSink(h.conns, sub)
	h.vals = removeSink(h.vals, sub)
}

func removeSink[T any](sinks []T, sub any) []T {
	out := sinks[:0]
	for _, s := range sinks {
		if any(s) != sub {
			out = append(out, s)
		}
	}
	return out
}

// Log 實作 LogSink
func (h *Hub) Log(entry LogEntry) {
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}
	h.mu.RLock()
	sinks := append([]LogSink(nil), h.logs...)
	h.mu.RUnlock()

	for _, s := range sinks {
		s.Log(entry)
	}
}

// ConnectionChanged 實作 ConnectionSink
func (h *Hub) ConnectionChanged(event ConnectionEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	h.mu.RLock()
	sinks := append([]ConnectionSink(nil), h.conns...)
	h.mu.RUnlock()

	for _, s := range sinks {
		s.ConnectionChanged(event)
	}
}

// ValueChanged 實作 ValueSink
func (h *Hub) ValueChanged(change ValueChange) {
	if change.Time.IsZero() {
		change.Time = time.Now()
	}
	h.mu.RLock()
	sinks := append([]ValueSink(nil), h.vals...)
	h.mu.RUnlock()

	for _, s := range sinks {
		s.ValueChanged(change)
	}
}

// ForProtocol 回傳自動填入協定名稱的 ValueSink
func (h *Hub) ForProtocol(protocol string) ValueSink {
	return protocolValues{hub: h, protocol: protocol}
}

type protocolValues struct {
	hub      *Hub
	protocol string
}

func (p protocolValues) ValueChanged(change ValueChange) {
	if change.Protocol == "" {
		change.Protocol = p.protocol
	}
	p.hub.ValueChanged(change)
}
