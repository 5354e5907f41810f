package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWriteTimeout 預設單次寫入期限，逾時的連線會被關閉
const DefaultWriteTimeout = 10 * time.Second

// Conn 單一用戶端連線
type Conn struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	nc       net.Conn
	listener *Listener
	logger   *zap.Logger

	writeMu sync.Mutex

	lastActivity atomic.Int64
	framesIn     atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	errors       atomic.Uint64

	detailMu sync.RWMutex
	detail   string

	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(nc net.Conn, l *Listener) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		Remote:      nc.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		nc:          nc,
		listener:    l,
	}
	c.logger = l.logger.With(zap.String("conn_id", c.ID), zap.String("remote", c.Remote))
	c.Touch()
	return c
}

// Logger 取得連線專屬日誌
func (c *Conn) Logger() *zap.Logger {
	return c.logger
}

// Write 送出資料 (多個 goroutine 可同時呼叫)
// 對端停止讀取超過寫入期限時回傳錯誤並關閉連線
func (c *Conn) Write(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.listener != nil && c.listener.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.listener.writeTimeout))
	}
	n, err := c.nc.Write(b)
	c.bytesOut.Add(uint64(n))
	if c.listener != nil {
		c.listener.stats.BytesSent.Add(uint64(n))
	}
	if err != nil {
		_ = c.Close()
	}
	return err
}

// Close 關閉連線，阻塞中的讀取會因此返回
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

// Closed 連線是否已關閉
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// Touch 更新最後活動時間
func (c *Conn) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity 最後活動時間
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// SetDetail 更新協定特有資訊並發出連線變更通知
func (c *Conn) SetDetail(detail string) {
	c.detailMu.Lock()
	c.detail = detail
	c.detailMu.Unlock()

	if c.listener != nil {
		c.listener.notifyConnection(c, true)
	}
}

// Detail 取得協定特有資訊
func (c *Conn) Detail() string {
	c.detailMu.RLock()
	defer c.detailMu.RUnlock()
	return c.detail
}

// ConnInfo 連線資訊快照
type ConnInfo struct {
	ID            string    `json:"id"`
	Remote        string    `json:"remote"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Frames        uint64    `json:"frames"`
	BytesReceived uint64    `json:"bytes_received"`
	BytesSent     uint64    `json:"bytes_sent"`
	Errors        uint64    `json:"errors"`
	Detail        string    `json:"detail,omitempty"`
}

// Info 取得連線資訊快照
func (c *Conn) Info() ConnInfo {
	return ConnInfo{
		ID:            c.ID,
		Remote:        c.Remote,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.LastActivity(),
		Frames:        c.framesIn.Load(),
		BytesReceived: c.bytesIn.Load(),
		BytesSent:     c.bytesOut.Load(),
		Errors:        c.errors.Load(),
		Detail:        c.Detail(),
	}
}

func (c *Conn) recordFrame(n int) {
	c.Touch()
	c.framesIn.Add(1)
	c.bytesIn.Add(uint64(n))
	if c.listener != nil {
		c.listener.stats.recordRequest(n)
	}
}

func (c *Conn) recordError() {
	c.errors.Add(1)
	if c.listener != nil {
		c.listener.stats.ErrorCount.Add(1)
	}
}
