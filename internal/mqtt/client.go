package mqtt

import (
	"bufio"
	"errors"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"protocol-simulator/internal/server"
)

// SendQueueSize 每個用戶端待送封包的上限，佇列滿時中斷該連線
const SendQueueSize = 256

var errSendQueueFull = errors.New("送出佇列已滿，中斷連線")

// outboundState 送出 QoS 1/2 訊息的確認狀態
type outboundState int

const (
	awaitingPubAck outboundState = iota
	awaitingPubRec
	awaitingPubComp
)

type inflight struct {
	msg   *Message
	state outboundState
}

// client 單一連線的 MQTT 會話
type client struct {
	broker *Broker
	conn   *server.Conn

	mu           sync.Mutex
	connected    bool
	id           string
	cleanSession bool
	keepAlive    time.Duration
	will         *Message
	graceful     bool
	takenOver    bool

	subs     map[string]byte
	inbound  map[uint16]*Message
	outbound map[uint16]*inflight
	nextID   uint16

	sendq     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(b *Broker, c *server.Conn) *client {
	cl := &client{
		broker:   b,
		conn:     c,
		subs:     make(map[string]byte),
		inbound:  make(map[uint16]*Message),
		outbound: make(map[uint16]*inflight),
		sendq:    make(chan []byte, SendQueueSize),
		done:     make(chan struct{}),
	}
	go cl.sendLoop()
	return cl
}

// sendLoop 依序寫出佇列中的封包，寫入失敗即結束
func (c *client) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.sendq:
			if err := c.conn.Write(b); err != nil {
				c.conn.Logger().Debug("寫入封包失敗", zap.Error(err))
				return
			}
		}
	}
}

// enqueue 不阻塞地排入待送封包，佇列已滿時關閉連線
func (c *client) enqueue(b []byte) error {
	select {
	case c.sendq <- b:
		return nil
	case <-c.done:
		return net.ErrClosed
	default:
		c.conn.Logger().Warn("訂閱者讀取過慢，中斷連線", zap.String("client_id", c.id))
		_ = c.conn.Close()
		return errSendQueueFull
	}
}

// ReadFrame 讀取一個控制封包
func (c *client) ReadFrame(r *bufio.Reader) ([]byte, error) {
	return ReadFrame(r)
}

// Handle 處理一個控制封包
func (c *client) Handle(frame []byte) ([]byte, error) {
	p, err := Decode(frame)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if p.Type() == CONNECT {
		if connected {
			return nil, protocolError("重複的 CONNECT")
		}
		return c.handleConnect(p.(*ConnectPacket))
	}
	if !connected {
		return nil, protocolError("第一個封包必須是 CONNECT，收到 %s", p.Type())
	}

	switch pkt := p.(type) {
	case *PublishPacket:
		return c.handlePublish(pkt)
	case *SubscribePacket:
		return c.handleSubscribe(pkt)
	case *UnsubscribePacket:
		c.mu.Lock()
		for _, f := range pkt.Filters {
			delete(c.subs, f)
		}
		c.mu.Unlock()
		return (&AckPacket{Kind: UNSUBACK, PacketID: pkt.PacketID}).Encode(), nil
	case *AckPacket:
		return c.handleAck(pkt)
	case *EmptyPacket:
		switch pkt.Kind {
		case PINGREQ:
			return (&EmptyPacket{Kind: PINGRESP}).Encode(), nil
		case DISCONNECT:
			c.mu.Lock()
			c.graceful = true
			c.will = nil
			c.mu.Unlock()
			return nil, server.ErrClose
		}
	}
	return nil, protocolError("用戶端不應送出 %s", p.Type())
}

func (c *client) handleConnect(p *ConnectPacket) ([]byte, error) {
	if p.ProtocolName != ProtocolName || p.ProtocolLevel != ProtocolLevel {
		c.conn.Logger().Info("不支援的協定版本",
			zap.String("name", p.ProtocolName),
			zap.Uint8("level", p.ProtocolLevel),
		)
		return (&ConnackPacket{ReturnCode: ConnRefusedProtocolVersion}).Encode(), server.ErrClose
	}

	clientID := p.ClientID
	if clientID == "" {
		if !p.CleanSession {
			return (&ConnackPacket{ReturnCode: ConnRefusedIdentifier}).Encode(), server.ErrClose
		}
		clientID = "auto-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	c.mu.Lock()
	c.id = clientID
	c.cleanSession = p.CleanSession
	c.keepAlive = time.Duration(p.KeepAlive) * time.Second
	if p.WillFlag {
		c.will = &Message{
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		}
	}
	c.mu.Unlock()

	old, saved := c.broker.attach(c, p.CleanSession)
	if old != nil {
		c.conn.Logger().Info("相同 client id 重新連線，關閉舊連線",
			zap.String("client_id", clientID),
			zap.String("old_conn_id", old.conn.ID),
		)
		_ = old.conn.Close()
	}

	c.mu.Lock()
	var queue []*Message
	if saved != nil {
		for filter, qos := range saved.Subscriptions {
			c.subs[filter] = qos
		}
		queue = saved.Queue
	}

	out := (&ConnackPacket{SessionPresent: saved != nil, ReturnCode: ConnAccepted}).Encode()
	for _, msg := range queue {
		out = append(out, c.publishLocked(msg, msg.QoS)...)
	}
	// CONNACK 必須先於任何轉送的 PUBLISH 進入佇列
	err := c.enqueue(out)
	if err == nil {
		c.connected = true
	}
	c.mu.Unlock()
	if err != nil {
		c.broker.detach(c)
		return nil, err
	}

	c.conn.SetDetail("client_id=" + clientID)
	c.conn.Logger().Info("MQTT 用戶端已連線",
		zap.String("client_id", clientID),
		zap.Bool("clean_session", p.CleanSession),
		zap.Uint16("keep_alive", p.KeepAlive),
		zap.Bool("session_present", saved != nil),
		zap.Int("queued", len(queue)),
	)
	return nil, nil
}

func (c *client) handlePublish(p *PublishPacket) ([]byte, error) {
	if !ValidTopic(p.Topic) {
		return nil, protocolError("PUBLISH 主題無效: %q", p.Topic)
	}
	msg := &Message{
		Topic:   p.Topic,
		Payload: p.Payload,
		QoS:     p.QoS,
		Retain:  p.Retain,
		Time:    time.Now(),
	}

	switch p.QoS {
	case 0:
		c.broker.route(msg)
		return nil, nil
	case 1:
		c.broker.route(msg)
		return (&AckPacket{Kind: PUBACK, PacketID: p.PacketID}).Encode(), nil
	default:
		c.mu.Lock()
		if _, pending := c.inbound[p.PacketID]; !pending {
			c.inbound[p.PacketID] = msg
		}
		c.mu.Unlock()
		return (&AckPacket{Kind: PUBREC, PacketID: p.PacketID}).Encode(), nil
	}
}

func (c *client) handleAck(p *AckPacket) ([]byte, error) {
	switch p.Kind {
	case PUBREL:
		c.mu.Lock()
		msg, ok := c.inbound[p.PacketID]
		delete(c.inbound, p.PacketID)
		c.mu.Unlock()
		if ok {
			c.broker.route(msg)
		}
		return (&AckPacket{Kind: PUBCOMP, PacketID: p.PacketID}).Encode(), nil

	case PUBACK:
		c.mu.Lock()
		if f, ok := c.outbound[p.PacketID]; ok && f.state == awaitingPubAck {
			delete(c.outbound, p.PacketID)
		}
		c.mu.Unlock()
		return nil, nil

	case PUBREC:
		c.mu.Lock()
		if f, ok := c.outbound[p.PacketID]; ok && f.state == awaitingPubRec {
			f.state = awaitingPubComp
		}
		c.mu.Unlock()
		return (&AckPacket{Kind: PUBREL, PacketID: p.PacketID}).Encode(), nil

	case PUBCOMP:
		c.mu.Lock()
		if f, ok := c.outbound[p.PacketID]; ok && f.state == awaitingPubComp {
			delete(c.outbound, p.PacketID)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return nil, protocolError("用戶端不應送出 %s", p.Kind)
}

func (c *client) handleSubscribe(p *SubscribePacket) ([]byte, error) {
	codes := make([]byte, len(p.Subscriptions))

	c.mu.Lock()
	for i, s := range p.Subscriptions {
		if !ValidFilter(s.Filter) {
			codes[i] = SubackFailure
			continue
		}
		granted := min(s.QoS&0x03, 2)
		c.subs[s.Filter] = granted
		codes[i] = granted
	}
	c.mu.Unlock()

	retained := make([][]*Message, len(p.Subscriptions))
	for i, s := range p.Subscriptions {
		if codes[i] != SubackFailure {
			retained[i] = c.broker.retainedFor(s.Filter)
		}
	}

	out := (&SubackPacket{PacketID: p.PacketID, ReturnCodes: codes}).Encode()

	c.mu.Lock()
	for i, msgs := range retained {
		for _, msg := range msgs {
			msg.Retain = true
			out = append(out, c.publishLocked(msg, min(msg.QoS, codes[i]))...)
		}
	}
	c.mu.Unlock()

	c.conn.Logger().Debug("訂閱",
		zap.String("client_id", c.id),
		zap.Any("subscriptions", p.Subscriptions),
		zap.Binary("granted", codes),
	)
	return out, nil
}

// forward 將路由中的訊息送給此用戶端 (若有符合的訂閱)
func (c *client) forward(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.takenOver {
		return false
	}
	qos, ok := grantedQoS(c.subs, msg.Topic)
	if !ok {
		return false
	}

	out := msg.clone()
	out.Retain = false
	if err := c.enqueue(c.publishLocked(out, min(msg.QoS, qos))); err != nil {
		c.conn.Logger().Debug("轉送訊息失敗", zap.String("topic", msg.Topic), zap.Error(err))
		return false
	}
	return true
}

// publishLocked 編碼送出的 PUBLISH，QoS>0 時配置封包識別碼並記錄待確認狀態
func (c *client) publishLocked(msg *Message, qos byte) []byte {
	p := &PublishPacket{
		QoS:     qos,
		Retain:  msg.Retain,
		Topic:   msg.Topic,
		Payload: msg.Payload,
	}
	if qos > 0 {
		p.PacketID = c.allocateIDLocked()
		state := awaitingPubAck
		if qos == 2 {
			state = awaitingPubRec
		}
		stored := msg.clone()
		stored.QoS = qos
		c.outbound[p.PacketID] = &inflight{msg: stored, state: state}
	}
	return p.Encode()
}

// allocateIDLocked 略過仍在等待確認的識別碼，65535 之後回到 1
func (c *client) allocateIDLocked() uint16 {
	for range 65535 {
		c.nextID++
		if c.nextID == 0 {
			c.nextID = 1
		}
		if _, busy := c.outbound[c.nextID]; !busy {
			return c.nextID
		}
	}
	// 全部佔用時覆寫最舊的狀態
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// takeOver 標記為已被接管，非 clean session 時回傳可交接的會話
func (c *client) takeOver() *SavedSession {
	c.mu.Lock()
	c.takenOver = true
	clean := c.cleanSession
	c.mu.Unlock()
	if clean {
		return nil
	}
	return c.snapshot()
}

// snapshot 擷取訂閱與尚未確認的送出訊息
func (c *client) snapshot() *SavedSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &SavedSession{
		ClientID:      c.id,
		Subscriptions: make(map[string]byte, len(c.subs)),
	}
	for f, q := range c.subs {
		s.Subscriptions[f] = q
	}
	ids := make([]uint16, 0, len(c.outbound))
	for id := range c.outbound {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		s.Queue = append(s.Queue, c.outbound[id].msg.clone())
	}
	return s
}

func (c *client) keepAliveInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return 0
	}
	return c.keepAlive
}

func (c *client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ClientID:      c.id,
		ConnID:        c.conn.ID,
		Remote:        c.conn.Remote,
		CleanSession:  c.cleanSession,
		KeepAlive:     c.keepAlive,
		Subscriptions: sortedKeys(c.subs),
		Inflight:      len(c.outbound) + len(c.inbound),
	}
}

// Fault 協定錯誤一律關閉連線，不回應
func (c *client) Fault(_ []byte, cause error) []byte {
	c.conn.Logger().Debug("MQTT 封包處理失敗", zap.Error(cause))
	_ = c.conn.Close()
	return nil
}

// Close 連線結束：保存會話並在非正常斷線時發佈遺囑
func (c *client) Close() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	connected := c.connected
	will := c.will
	graceful := c.graceful
	c.connected = false
	c.mu.Unlock()

	if !connected {
		return
	}
	c.broker.detach(c)

	if will != nil && !graceful {
		c.conn.Logger().Info("發佈遺囑訊息", zap.String("client_id", c.id), zap.String("topic", will.Topic))
		will.Time = time.Now()
		c.broker.route(will)
	}
}
