package observer

import "sync"

// Recorder 將所有通知保存在記憶體中 (供測試與除錯使用)
type Recorder struct {
	mu     sync.Mutex
	logs   []LogEntry
	conns  []ConnectionEvent
	values []ValueChange
}

// Log 實作 LogSink
func (r *Recorder) Log(entry LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, entry)
}

// ConnectionChanged 實作 ConnectionSink
func (r *Recorder) ConnectionChanged(event ConnectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, event)
}

// ValueChanged 實作 ValueSink
func (r *Recorder) ValueChanged(change ValueChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, change)
}

// Logs 取得日誌副本
func (r *Recorder) Logs() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.logs...)
}

// Connections 取得連線事件副本
func (r *Recorder) Connections() []ConnectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionEvent(nil), r.conns...)
}

// Values 取得數值變更副本
func (r *Recorder) Values() []ValueChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ValueChange(nil), r.values...)
}
