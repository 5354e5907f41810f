package server

import (
	"math/rand"
	"sync"
	"time"
)

// FaultInjector 決定回應是否延遲或丟棄
type FaultInjector interface {
	// Delay 回傳送出回應前的等待時間
	Delay() time.Duration
	// Drop 回傳 true 時不送出回應 (模擬封包丟失)
	Drop() bool
}

// Faults 可動態調整的延遲抖動與封包丟失設定
type Faults struct {
	mu             sync.RWMutex
	jitterEnabled  bool
	jitterMin      time.Duration
	jitterMax      time.Duration
	packetLossRate float64
}

// SetJitter 設定延遲抖動
func (f *Faults) SetJitter(enabled bool, min, max time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jitterEnabled = enabled
	f.jitterMin = min
	f.jitterMax = max
}

// SetPacketLoss 設定封包丟失率
func (f *Faults) SetPacketLoss(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packetLossRate = rate
}

// Reset 關閉所有故障注入
func (f *Faults) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jitterEnabled = false
	f.jitterMin, f.jitterMax = 0, 0
	f.packetLossRate = 0
}

// Delay 實作 FaultInjector
func (f *Faults) Delay() time.Duration {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.jitterEnabled || f.jitterMax <= 0 {
		return 0
	}
	if f.jitterMax <= f.jitterMin {
		return f.jitterMin
	}
	return f.jitterMin + time.Duration(rand.Int63n(int64(f.jitterMax-f.jitterMin)))
}

// Drop 實作 FaultInjector
func (f *Faults) Drop() bool {
	f.mu.RLock()
	rate := f.packetLossRate
	f.mu.RUnlock()

	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}
