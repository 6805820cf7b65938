package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-io/mqtt/packet"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"
)

// A Client is an MQTT client. Build one with [New]; the zero value has
// no receive channels or registries and is not usable.
type Client struct {
	// URL is the broker address parsed from Options.URL. Its Scheme
	// selects the transport in dial and its Host is the address dialed.
	URL *url.URL

	conn *conn

	// DialContext, if set, replaces the default net.Dialer for the
	// "tcp" and "mqtt" schemes.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// DialTLSContext, if set, replaces the default TLS dial for the
	// "tls" and "mqtts" schemes; TLSClientConfig is then not used.
	// The returned net.Conn is assumed to already be past the TLS handshake.
	// If nil, dial uses tls.DialWithDialer with a plain net.Dialer.
	DialTLSContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// TLSClientConfig specifies the TLS configuration for the "tls",
	// "mqtts" and "wss" schemes. If nil, the default configuration is used.
	TLSClientConfig *tls.Config

	// TLSHandshakeTimeout is stored on the Client but is not applied by
	// dial; TLS handshakes run without a timeout of their own.
	TLSHandshakeTimeout time.Duration

	// Timeout is stored on the Client but is not applied to any dial,
	// CONNECT, SUBSCRIBE or read; those are bounded only by the ctx
	// passed to them.
	Timeout time.Duration

	options Options
	recv    [0xF + 1]chan packet.Packet
	version byte
	// cancel  context.CancelFunc

	ids      *idAllocator
	pending  PendingStore
	keepConn *keepAlive
	recon    *reconnectState
	aliasOut *topicAliasTable
	subs     *subscriptionRegistry
	metrics  *clientMetrics

	// downgraded records that a prior CONNECT negotiated MQTT5 but the
	// server responded with reason code 0x01 (unsupported protocol
	// version); subsequent reconnects fall back to 3.1.1 for this
	// Client instance instead of retrying the same failure forever.
	downgraded bool

	// stopReconnect short-circuits ConnectAndSubscribe's retry loop once
	// StopReconnect is called, independent of the configured policy.
	stopReconnect atomic.Bool

	credMu             sync.Mutex
	username, password string

	onMessage     func(*packet.Message)
	onMessageAck  func(*packet.Message) packet.ReasonCode
	onConnect     func(*packet.CONNACK)
	onDisconnect  func(*packet.DISCONNECT, error)
	onSubscribe   func(mid uint16, reasons []packet.ReasonCode)
	onUnsubscribe func(mid uint16)
}

func (c *Client) ID() string {
	return c.conn.ID
}

// RoundTrip writes req on the client's connection, dialing first if
// there is none. It does not wait for a response and always returns a
// nil packet on success.
func (c *Client) RoundTrip(req packet.Packet) (packet.Packet, error) {
	return c.roundTrip(req)
}

// roundTrip implements a RoundTripper over MQTT.
func (c *Client) roundTrip(req packet.Packet) (packet.Packet, error) {
	ctx := context.Background()

	if c.conn == nil {
		con, err := c.dial(ctx, c.URL.Scheme, c.URL.Host)
		if err != nil {
			return nil, err
		}
		c.conn = &conn{rwc: con, remoteAddr: con.RemoteAddr().String()}
	}
	err := req.Pack(c.conn.rwc)
	if err != nil {
		return nil, err
	}
	log.Printf("todo: t.roundTrip need handle and recv response\n")
	return nil, nil
}

func (c *Client) dial(ctx context.Context, scheme, addr string) (net.Conn, error) {
	// 用户自定义拨号优先
	if c.DialContext != nil && (scheme == "tcp" || scheme == "mqtt") {
		con, err := c.DialContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqtt: Transport.DialContext hook returned (nil, nil)")
		}
		return con, err
	}
	if c.DialTLSContext != nil && (scheme == "tls" || scheme == "mqtts") {
		con, err := c.DialTLSContext(ctx, "tcp", addr)
		if con == nil && err == nil {
			err = errors.New("mqtt: Transport.DialTLSContext hook returned (nil, nil)")
		}
		return con, err
	}

	switch scheme {
	case "mqtt", "tcp":
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	case "mqtts", "tls":
		return tls.DialWithDialer(&net.Dialer{}, "tcp", addr, c.TLSClientConfig)
	case "ws", "wss":
		// 构造 WebSocket URL，默认路径 /mqtt
		path := c.URL.Path
		if path == "" {
			path = "/mqtt"
		}
		loc := &url.URL{Scheme: scheme, Host: addr, Path: path}
		// 兼容 Origin 要求
		originScheme := "http"
		if scheme == "wss" {
			originScheme = "https"
		}
		origin := &url.URL{Scheme: originScheme, Host: addr}

		cfg, err := websocket.NewConfig(loc.String(), origin.String())
		if err != nil {
			return nil, err
		}
		// 协商 mqtt 子协议，二进制帧
		cfg.Protocol = []string{"mqtt"}
		if scheme == "wss" {
			cfg.TlsConfig = c.TLSClientConfig
		}
		ws, err := websocket.DialConfig(cfg)
		if err != nil {
			return nil, err
		}
		ws.PayloadType = websocket.BinaryFrame
		return ws, nil
	default:
		// 兜底按 tcp 处理
		return (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
}

func New(opts ...Option) *Client {
	options := newOptions(opts...)
	var err error
	client := &Client{
		options:  options,
		conn:     &conn{inFight: newInFight()},
		recv:     [0xF + 1]chan packet.Packet{},
		version:  options.Version,
		ids:      newIDAllocator(),
		pending:  newMemPendingStore(),
		keepConn: newKeepAlive(options.KeepAlive),
		recon:    newReconnectState(options.Reconnect),
		aliasOut: newTopicAliasTable(options.TopicAliasMaximum),
		subs:     newSubscriptionRegistry(),
	}
	client.username, client.password = options.Username, options.Password

	if options.Registerer != nil {
		client.metrics = newClientMetrics(options.Registerer, options.ClientID)
	}

	for i := 1; i <= 0xF; i++ {
		client.recv[i] = make(chan packet.Packet, 1)
	}

	client.recv[PUBLISH] = make(chan packet.Packet, 10000)

	if client.URL, err = url.Parse(options.URL); err != nil {
		panic(err)
	}

	// 记录客户端创建日志
	log.Printf("[CLIENT_CREATED] MQTT client created - ClientID: %s, Server: %s",
		options.ClientID, options.URL)

	return client
}

func (c *Client) Close() error {
	// 记录客户端关闭日志
	log.Printf("[CLIENT_CLOSED] MQTT client closed - ClientID: %s", c.conn.ID)

	for i := 1; i <= 0xF; i++ {
		close(c.recv[i])
	}
	return nil
}

func (c *Client) unpack(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt, err := packet.Unpack(c.version, c.conn.rwc)
		if err != nil {
			log.Printf("[UNPACK_ERROR] Client packet unpack error - ClientID: %s, Error: %v", c.conn.ID, err)
			return err
		}
		c.recv[pkt.Kind()] <- pkt
	}
}

// connectVersion resolves the protocol version to offer on this
// attempt: the configured version, unless a previous attempt on this
// Client was told reason code 0x01 (unsupported protocol version) by
// the server, in which case it falls back to 3.1.1 for good — grounded
// on gmqtt's mqtt/handler.py downgrade-on-reject behavior.
func (c *Client) connectVersion() byte {
	if c.downgraded {
		return packet.VERSION311
	}
	return c.options.Version
}

// retryTimeout is how long an unacknowledged QoS 1/2 publish waits
// before keepAliveLoop resends it, falling back to a sane default when
// Options.RetryTimeout was left at its zero value.
func (c *Client) retryTimeout() time.Duration {
	if c.options.RetryTimeout > 0 {
		return c.options.RetryTimeout
	}
	return 5 * time.Second
}

func (c *Client) Connect(ctx context.Context) error {
	c.version = c.connectVersion()
	c.aliasOut.Reset()

	// 记录连接尝试日志
	log.Printf("client attempting to connect: client_id=%s, server=%s, version=%d", c.options.ClientID, c.URL.Host, c.version)

	c.credMu.Lock()
	username, password := c.username, c.password
	c.credMu.Unlock()

	connect := packet.CONNECT{FixedHeader: &packet.FixedHeader{
		Version: c.version,
		Kind:    CONNECT,
	}, ClientID: c.options.ClientID, Username: username, Password: password, CleanStart: c.options.CleanStart, KeepAlive: uint16(c.options.KeepAlive / time.Second),
		WillTopic: c.options.WillTopic, WillPayload: c.options.WillPayload,
		Props: &packet.ConnectProperties{TopicAliasMaximum: packet.TopicAliasMaximum(c.options.TopicAliasMaximum)}}
	if err := connect.Pack(c.conn.rwc); err != nil {
		log.Printf("client connect packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}
	c.conn.ID = connect.ClientID
	if c.metrics != nil {
		c.metrics.PacketsSent.Inc()
	}

	select {
	case <-ctx.Done():
		log.Printf("client connect timeout: client_id=%s", c.options.ClientID)
		return ctx.Err()
	case pkt, ok := <-c.recv[CONNACK]:
		if !ok {
			return ctx.Err()
		}
		connack, ok := pkt.(*packet.CONNACK)
		if !ok || connack.Kind() != CONNACK {
			log.Printf("client received invalid CONNACK packet: client_id=%s", c.options.ClientID)
			return errors.New("mqtt: invalid packet received")
		}

		if connack.ConnectReturnCode.Code != 0 {
			if c.version == packet.VERSION500 && connack.ConnectReturnCode.Code == 0x01 {
				c.downgraded = true
				log.Printf("client downgrading to MQTT 3.1.1: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)
			}
			log.Printf("client connect failed: client_id=%s, return_code=%v", c.options.ClientID, connack.ConnectReturnCode)
			return &ConnectError{Reason: connack.ConnectReturnCode}
		}
		c.keepConn.touchReceived(time.Now())
		log.Printf("client connected successfully: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)
		if c.onConnect != nil {
			c.onConnect(connack)
		}
	}
	return nil
}

// Subscribe sends a SUBSCRIBE for subs and blocks for the matching
// SUBACK, registering each filter's granted reason code in the
// subscription registry. Safe to call after the initial connect to
// add subscriptions dynamically, not just at connect time.
func (c *Client) Subscribe(ctx context.Context, subs ...packet.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	var topics []string
	for _, sub := range subs {
		topics = append(topics, sub.TopicFilter)
	}
	log.Printf("client attempting to subscribe: client_id=%s, topics=%v", c.options.ClientID, topics)

	id, ok := c.ids.Alloc()
	if !ok {
		return errors.New("mqtt: packet identifier space exhausted")
	}
	identifier := c.subs.NextIdentifier()
	sub := packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: c.version, Kind: SUBSCRIBE, QoS: 1},
		PacketID:      id,
		Props:         &packet.SubscribeProperties{SubscriptionIdentifier: packet.SubscriptionIdentifier(identifier)},
		Subscriptions: subs,
	}
	if err := sub.Pack(c.conn.rwc); err != nil {
		c.ids.Free(id)
		log.Printf("client subscribe packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}
	if c.metrics != nil {
		c.metrics.PacketsSent.Inc()
	}

	select {
	case <-ctx.Done():
		log.Printf("client subscribe timeout: client_id=%s", c.options.ClientID)
		return ctx.Err()
	case pkt, ok := <-c.recv[SUBACK]:
		if !ok {
			return ctx.Err()
		}
		suback, ok := pkt.(*packet.SUBACK)
		if !ok || suback.Kind() != SUBACK {
			log.Printf("client received invalid SUBACK packet: client_id=%s", c.options.ClientID)
			return errors.New("mqtt: invalid packet received")
		}
		c.ids.Free(suback.PacketID)
		for i, t := range topics {
			granted := packet.CodeGrantedQos0
			if i < len(suback.ReasonCode) {
				granted = suback.ReasonCode[i]
			}
			if granted.Code >= 0x80 {
				log.Printf("client subscribe failed: client_id=%s, topic=%s, reason_code=%v", c.options.ClientID, t, granted)
				continue
			}
			if err := c.subs.Add(t, identifier, granted); err != nil {
				log.Printf("client subscription registry add failed: client_id=%s, topic=%s, error=%v", c.options.ClientID, t, err)
			}
		}
		if c.onSubscribe != nil {
			c.onSubscribe(suback.PacketID, suback.ReasonCode)
		}
		log.Printf("client subscribed successfully: client_id=%s, topics=%v", c.options.ClientID, topics)
	}
	return nil
}

// Unsubscribe sends an UNSUBSCRIBE for filters and blocks for the
// matching UNSUBACK, removing each filter from the subscription
// registry.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	id, ok := c.ids.Alloc()
	if !ok {
		return errors.New("mqtt: packet identifier space exhausted")
	}
	subs := make([]packet.Subscription, len(filters))
	for i, f := range filters {
		subs[i] = packet.Subscription{TopicFilter: f}
	}
	unsub := packet.UNSUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{Version: c.version, Kind: UNSUBSCRIBE, QoS: 1},
		PacketID:      id,
		Subscriptions: subs,
	}
	if err := unsub.Pack(c.conn.rwc); err != nil {
		c.ids.Free(id)
		log.Printf("client unsubscribe packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}
	if c.metrics != nil {
		c.metrics.PacketsSent.Inc()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case pkt, ok := <-c.recv[UNSUBACK]:
		if !ok {
			return ctx.Err()
		}
		unsuback, ok := pkt.(*packet.UNSUBACK)
		if !ok || unsuback.Kind() != UNSUBACK {
			return errors.New("mqtt: invalid packet received")
		}
		c.ids.Free(unsuback.PacketID)
		for _, f := range filters {
			c.subs.Remove(f)
		}
		if c.onUnsubscribe != nil {
			c.onUnsubscribe(unsuback.PacketID)
		}
		log.Printf("client unsubscribed successfully: client_id=%s, topics=%v", c.options.ClientID, filters)
	}
	return nil
}

// Resubscribe re-sends SUBSCRIBE for every filter currently tracked in
// the subscription registry — used after a reconnect against a broker
// that did not resume the prior session (CleanStart or a new session).
func (c *Client) Resubscribe(ctx context.Context) error {
	filters := c.subs.List()
	if len(filters) == 0 {
		return nil
	}
	subs := make([]packet.Subscription, len(filters))
	for i, f := range filters {
		subs[i] = packet.Subscription{TopicFilter: f}
	}
	return c.Subscribe(ctx, subs...)
}

func (c *Client) ServeMessageLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.ServeMessage(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) OnMessage(fn func(*packet.Message)) {
	c.onMessage = fn
}

// OnMessageAck registers the non-optimistic acknowledgement callback:
// fn runs before the PUBACK/PUBREC for a QoS 1/2 publish is sent, and
// its returned reason code is placed on that packet. Only consulted
// when Options.OptimisticAck is false; ignored for QoS 0.
func (c *Client) OnMessageAck(fn func(*packet.Message) packet.ReasonCode) {
	c.onMessageAck = fn
}

// OnConnect registers a callback invoked after a successful CONNACK.
func (c *Client) OnConnect(fn func(*packet.CONNACK)) {
	c.onConnect = fn
}

// OnDisconnect registers a callback invoked when the connection ends,
// whether by a broker-sent DISCONNECT (pkt non-nil, err nil) or a
// transport failure (pkt nil, err non-nil).
func (c *Client) OnDisconnect(fn func(pkt *packet.DISCONNECT, err error)) {
	c.onDisconnect = fn
}

// OnSubscribe registers a callback invoked after a SUBACK with the
// packet identifier and the granted reason code for each filter, in
// the order they were requested.
func (c *Client) OnSubscribe(fn func(mid uint16, reasons []packet.ReasonCode)) {
	c.onSubscribe = fn
}

// OnUnsubscribe registers a callback invoked after an UNSUBACK.
func (c *Client) OnUnsubscribe(fn func(mid uint16)) {
	c.onUnsubscribe = fn
}

// SetAuthCredentials updates the username/password used on the next
// CONNECT (including any reconnect); it does not affect a connection
// already established.
func (c *Client) SetAuthCredentials(username, password string) {
	c.credMu.Lock()
	defer c.credMu.Unlock()
	c.username, c.password = username, password
}

// StopReconnect causes ConnectAndSubscribe's retry loop to stop after
// the current attempt, regardless of the configured ReconnectPolicy.
func (c *Client) StopReconnect() {
	c.stopReconnect.Store(true)
}
func (c *Client) SubmitMessage(message *packet.Message, qos byte) error {
	if c.conn.rwc == nil {
		log.Printf("client publish: client_id=%s, error=connect is nil", c.options.ClientID)
		return errors.New("mqtt: connect is nil")
	}

	// 记录发布消息日志
	log.Printf("client publish: client_id=%s, topic=%s, size=%d", c.options.ClientID, message.TopicName, len(message.Content))
	pub := packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBLISH, QoS: qos},
		Message:     message,
	}

	if pub.QoS == 1 || pub.QoS == 2 {
		id, ok := c.ids.Alloc()
		if !ok {
			return errors.New("mqtt: packet identifier space exhausted")
		}
		pub.PacketID = id
	}

	if err := pub.Pack(c.conn.rwc); err != nil {
		if pub.PacketID != 0 {
			c.ids.Free(pub.PacketID)
		}
		log.Printf("client publish: client_id=%s, topic=%s, error=%v", c.options.ClientID, message.TopicName, err)
		return err
	}
	if c.metrics != nil {
		c.metrics.PacketsSent.Inc()
	}

	if pub.QoS == 1 || pub.QoS == 2 {
		// retried from keepAliveLoop's tick if no ack arrives within
		// RetryTimeout, independent of the keep-alive dead-link timer.
		c.pending.Add(pub.PacketID, time.Now().Add(c.retryTimeout()), &pub)
		if c.metrics != nil {
			c.metrics.PendingPublish.Set(float64(c.pending.Len()))
		}
	}

	log.Printf("client publish: client_id=%s, topic=%s, success", c.options.ClientID, message.TopicName)
	return nil
}

func (c *Client) ServeMessage(ctx context.Context) error {
	var pub *packet.PUBLISH
	select {
	case <-ctx.Done():
		return ctx.Err()
	case pkt, ok := <-c.recv[PUBACK]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		puback, ok := pkt.(*packet.PUBACK)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		c.keepConn.touchReceived(time.Now())
		c.pending.Ack(puback.PacketID)
		c.ids.Free(puback.PacketID)
		if c.metrics != nil {
			c.metrics.PacketsReceived.Inc()
			c.metrics.PendingPublish.Set(float64(c.pending.Len()))
		}
		return nil
	case pkt, ok := <-c.recv[PUBCOMP]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		pubcomp, ok := pkt.(*packet.PUBCOMP)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		c.keepConn.touchReceived(time.Now())
		c.pending.Ack(pubcomp.PacketID)
		c.ids.Free(pubcomp.PacketID)
		if c.metrics != nil {
			c.metrics.PacketsReceived.Inc()
			c.metrics.PendingPublish.Set(float64(c.pending.Len()))
		}
		return nil
	case pkt, ok := <-c.recv[PINGRESP]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		if _, ok := pkt.(*packet.PINGRESP); !ok {
			return errors.New("mqtt: invalid packet received")
		}
		c.keepConn.touchReceived(time.Now())
		return nil
	case pkt, ok := <-c.recv[DISCONNECT]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		disconnect, ok := pkt.(*packet.DISCONNECT)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		log.Printf("client received broker disconnect: client_id=%s, reason_code=%v", c.options.ClientID, disconnect.ReasonCode)
		if c.onDisconnect != nil {
			c.onDisconnect(disconnect, nil)
		}
		return fmt.Errorf("mqtt: broker disconnected: %v", disconnect.ReasonCode)
	case pkt, ok := <-c.recv[PUBLISH]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		pub, ok = pkt.(*packet.PUBLISH)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		c.keepConn.touchReceived(time.Now())
		if c.metrics != nil {
			c.metrics.PacketsReceived.Inc()
		}

		if pub.Message.TopicName == "" && pub.Props != nil && pub.Props.TopicAlias != 0 {
			name, err := c.aliasOut.Resolve(uint16(pub.Props.TopicAlias))
			if err != nil {
				log.Printf("client topic alias resolve failed: client_id=%s, error=%v", c.options.ClientID, err)
				return err
			}
			pub.Message.TopicName = name
		} else if pub.Message.TopicName != "" && pub.Props != nil && pub.Props.TopicAlias != 0 {
			_ = c.aliasOut.Bind(uint16(pub.Props.TopicAlias), pub.Message.TopicName)
		}

		// 记录接收消息日志
		log.Printf("client received: client_id=%s, topic=%s, qos=%d, size=%d", c.options.ClientID, pub.Message.TopicName, pub.QoS, len(pub.Message.Content))

		switch pub.QoS {
		case 0:
			if c.onMessage != nil {
				go c.onMessage(pub.Message)
			}
			return nil
		case 1:
			reason := packet.CodeSuccess
			if !c.options.OptimisticAck && c.onMessageAck != nil {
				reason = validPublishAckReason(c.onMessageAck(pub.Message))
			} else if c.onMessage != nil {
				go c.onMessage(pub.Message)
			}
			puback := packet.PUBACK{
				FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBACK},
				PacketID:    pub.PacketID,
				ReasonCode:  reason,
			}
			if err := puback.Pack(c.conn.rwc); err != nil {
				log.Printf("client puback send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pub.PacketID, err)
				return err
			}
			log.Printf("client puback sent: client_id=%s, packet_id=%d, reason_code=%v", c.options.ClientID, pub.PacketID, reason)
			return nil
		case 2:
			reason := packet.CodeSuccess
			if !c.options.OptimisticAck && c.onMessageAck != nil {
				reason = validPublishAckReason(c.onMessageAck(pub.Message))
			} else if c.onMessage != nil {
				go c.onMessage(pub.Message)
			}
			pubrec := packet.PUBREC{
				FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREC},
				PacketID:    pub.PacketID,
				ReasonCode:  reason,
			}
			if err := pubrec.Pack(c.conn.rwc); err != nil {
				log.Printf("client pubrec send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pub.PacketID, err)
				return err
			}
			log.Printf("client pubrec sent: client_id=%s, packet_id=%d, reason_code=%v", c.options.ClientID, pub.PacketID, reason)
			c.conn.inFight.Put(pub)
			return nil
		}
		return nil

	case pkt, ok := <-c.recv[PUBREC]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		pubrec, ok := pkt.(*packet.PUBREC)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		c.keepConn.touchReceived(time.Now())
		// PUBREC acknowledges the first half of our own QoS 2 publish;
		// the packet identifier stays allocated until PUBCOMP closes it.
		pubrel := packet.PUBREL{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBREL, QoS: 1},
			PacketID:    pubrec.PacketID,
		}
		if err := pubrel.Pack(c.conn.rwc); err != nil {
			log.Printf("client pubrel send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pubrec.PacketID, err)
			return err
		}
		log.Printf("client pubrel sent: client_id=%s, packet_id=%d", c.options.ClientID, pubrec.PacketID)
		return nil
	case pkt, ok := <-c.recv[PUBREL]:
		if !ok {
			return fmt.Errorf("mqtt: invalid packet received")
		}
		c.keepConn.touchReceived(time.Now())
		pubrel, ok := pkt.(*packet.PUBREL)
		if !ok {
			return errors.New("mqtt: invalid packet received")
		}
		// The message was already delivered to the application when the
		// PUBREC was sent; PUBREL only needs the PUBCOMP reply.
		if _, ok := c.conn.inFight.Get(pubrel.PacketID); !ok {
			return errors.New("mqtt: invalid packet received")
		}
		pubcomp := packet.PUBCOMP{
			FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PUBCOMP},
			PacketID:    pubrel.PacketID,
		}
		if err := pubcomp.Pack(c.conn.rwc); err != nil {
			log.Printf("client pubcomp send failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, pubrel.PacketID, err)
			return err
		}
		log.Printf("client pubcomp sent: client_id=%s, packet_id=%d", c.options.ClientID, pubrel.PacketID)
		return nil
	}
	return nil
}

// validPublishAckReason clamps reason to the set MQTT5 allows on PUBACK/
// PUBREC (success, no matching subscribers, or one of the listed error
// codes); anything else collapses to an unspecified error so a buggy
// callback can't put a malformed reason code on the wire.
func validPublishAckReason(reason packet.ReasonCode) packet.ReasonCode {
	switch reason.Code {
	case packet.CodeSuccess.Code, packet.CodeNoMatchingSubscribers.Code,
		packet.ErrUnspecifiedError.Code, packet.ErrImplementationSpecificError.Code,
		packet.ErrNotAuthorized.Code, packet.ErrTopicNameInvalid.Code,
		packet.ErrPacketIdentifierInUse.Code, packet.ErrQuotaExceeded.Code,
		packet.ErrPayloadFormatInvalid.Code:
		return reason
	default:
		return packet.ErrUnspecifiedError
	}
}

// ConnectAndSubscribe dials, connects, subscribes, and serves messages
// in a loop, reconnecting after any failure according to c.options.Reconnect.
// It returns once the policy's retry budget is exhausted or ctx is done.
func (c *Client) ConnectAndSubscribe(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	count := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("client context done: client_id=%s", c.options.ClientID)
			return ctx.Err()
		case <-timer.C:
			timer.Reset(c.options.Reconnect.Delay)
		}
		if err := c.connectAndSubscribe(ctx); err != nil {
			if c.onDisconnect != nil {
				c.onDisconnect(nil, err)
			}
			count++
			if count == 1 || count%10 == 0 {
				log.Printf("client connect and subscribe error[%d]: client_id=%s, error=%v", count, c.options.ClientID, err)
			}
			if c.metrics != nil {
				c.metrics.Reconnects.Inc()
			}
			if c.stopReconnect.Load() {
				log.Printf("client reconnect stopped by caller: client_id=%s", c.options.ClientID)
				return err
			}
			if !c.recon.Allow() {
				log.Printf("client reconnect policy exhausted: client_id=%s, attempts=%d", c.options.ClientID, count)
				return err
			}
		} else {
			count = 0
			c.recon.Reset()
		}
	}
}

func (c *Client) connectAndSubscribe(ctx context.Context) error {
	var err error

	// 记录网络连接尝试日志
	log.Printf("client attempting to dial: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)

	if c.conn.rwc, err = c.dial(ctx, c.URL.Scheme, c.URL.Host); err != nil {
		log.Printf("client dial failed: client_id=%s, server=%s, error=%v", c.options.ClientID, c.URL.Host, err)
		return err
	}

	log.Printf("client dialed successfully: client_id=%s, server=%s", c.options.ClientID, c.URL.Host)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.unpack(ctx)
	})
	group.Go(func() error {
		<-ctx.Done()
		return c.Disconnect()
	})
	group.Go(func() error {
		return c.keepAliveLoop(ctx)
	})

	group.Go(func() error {
		if err := c.Connect(ctx); err != nil {
			return err
		}
		if err := c.Subscribe(ctx, c.options.Subscriptions...); err != nil {
			return err
		}
		return c.ServeMessageLoop(ctx)
	})

	return group.Wait()
}

// keepAliveLoop sends PINGREQ once 0.8x the keep-alive interval has
// passed since the last PINGREQ or since the last packet read (other
// outbound packets do not reset that clock), declares the connection
// dead once 2x the interval has passed with nothing read, and resends
// any QoS 1/2 publish whose retry deadline in the pending store has
// elapsed. With KeepAlive <= 0 it does none of these, resends included.
func (c *Client) keepAliveLoop(ctx context.Context) error {
	if c.options.KeepAlive <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(c.keepConn.NextCheck())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now()
			if c.keepConn.Dead(now) {
				return errors.New("mqtt: keepalive timeout, no packet received from server")
			}
			if c.keepConn.PingDue(now) {
				ping := packet.PINGREQ{FixedHeader: &packet.FixedHeader{Version: c.version, Kind: PINGREQ}}
				if err := ping.Pack(c.conn.rwc); err != nil {
					return err
				}
				c.keepConn.touchSent(now)
				if c.metrics != nil {
					c.metrics.PacketsSent.Inc()
				}
			}
			for _, entry := range c.pending.Due(now) {
				pub, ok := entry.Payload.(*packet.PUBLISH)
				if !ok {
					continue
				}
				pub.Dup = 1
				if err := pub.Pack(c.conn.rwc); err != nil {
					log.Printf("client publish retry failed: client_id=%s, packet_id=%d, error=%v", c.options.ClientID, entry.PacketID, err)
				}
				c.pending.Add(entry.PacketID, now.Add(c.retryTimeout()), pub)
			}
		}
	}
}

func (c *Client) Disconnect() error {
	// 记录断开连接日志
	log.Printf("client attempting to disconnect: client_id=%s", c.options.ClientID)

	disconnect := packet.DISCONNECT{
		FixedHeader: &packet.FixedHeader{Version: c.version, Kind: DISCONNECT},
	}
	if err := disconnect.Pack(c.conn.rwc); err != nil {
		log.Printf("client disconnect packet send failed: client_id=%s, error=%v", c.options.ClientID, err)
		return err
	}

	log.Printf("client disconnected successfully: client_id=%s", c.options.ClientID)
	return nil
}

// Stats is a point-in-time snapshot of the Client's pending-publish
// queue depth, available whether or not WithMetrics was configured; the
// mqtt_client_pending_publishes gauge in metrics.go reports the same
// number. The other Prometheus counters have no Stats field.
type Stats struct {
	PendingPublishes int
}

func (c *Client) Stats() Stats {
	return Stats{PendingPublishes: c.pending.Len()}
}
