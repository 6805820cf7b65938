package mqtt

import (
	"fmt"
	"time"

	"github.com/golang-io/mqtt/packet"
	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
)

type Listen struct {
	URL      string `yaml:"url"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type config struct {
	HTTP       Listen            `json:"HTTP"`
	MQTT       Listen            `json:"MQTT"`
	MQTTs      Listen            `json:"MQTTs"`
	WebSocket  Listen            `json:"Websocket"`
	WebSockets Listen            `json:"Websockets"`
	Auth       map[string]string `json:"Auth"`
}

func (c *config) GetAuth(username string) (string, bool) {
	password, ok := c.Auth[username]
	return password, ok
}

var CONFIG = &config{
	Auth: map[string]string{
		"":     "",
		"root": "admin",
	},
}

type Options struct {
	URL           string // client used
	ClientID      string
	Version       byte
	Subscriptions []packet.Subscription

	// Username/Password authenticate the CONNECT. Client.SetAuthCredentials
	// overrides these on a live Client for subsequent (re)connects.
	Username string
	Password string

	// WillTopic/WillPayload, if WillTopic is non-empty, are published by
	// the broker if this connection is lost without a clean DISCONNECT.
	WillTopic   string
	WillPayload []byte

	// CleanStart selects a fresh session (true, the default) versus
	// resuming a persistent one (false) via the CONNECT clean-start bit.
	CleanStart bool

	// KeepAlive is the interval advertised in CONNECT; zero disables
	// client-initiated PINGREQ, the dead-link watchdog, and the resending
	// of unacknowledged QoS 1/2 publishes (all three run in keepAliveLoop).
	KeepAlive time.Duration

	// RetryTimeout is how long an unacknowledged QoS 1/2 publish waits
	// before keepAliveLoop resends it with Dup set; the resend happens on
	// the first keepAliveLoop tick after the deadline. Independent of
	// KeepAlive's 2x dead-link timeout: a slow broker can legitimately
	// take longer than one retry window to ack without the connection
	// itself being dead.
	RetryTimeout time.Duration

	// OptimisticAck selects how QoS 1/2 inbound publishes are
	// acknowledged. True (the default) acks immediately with reason 0
	// before invoking the message callback. False defers the PUBACK/
	// PUBREC until the OnMessageAck callback returns a reason code,
	// letting the application reject or redirect delivery.
	OptimisticAck bool

	// TopicAliasMaximum caps the topic aliases the client accepts from
	// the server on inbound PUBLISH (v5.0 only); 0 means no cap.
	TopicAliasMaximum uint16

	// Reconnect controls retry count and delay for ConnectAndSubscribe.
	Reconnect ReconnectPolicy

	// Registerer receives client-side Prometheus metrics if set via
	// WithMetrics; nil means metrics are not collected.
	Registerer prometheus.Registerer
}

type Option func(*Options)

func newOptions(opts ...Option) Options {
	options := Options{
		URL:           "mqtt://127.0.0.1:1883",
		ClientID:      "mqtt-" + requests.GenId(),
		Version:       packet.VERSION311,
		CleanStart:    true,
		KeepAlive:     60 * time.Second,
		RetryTimeout:  5 * time.Second,
		OptimisticAck: true,
		Reconnect:     DefaultReconnectPolicy(),
	}
	for _, o := range opts {
		o(&options)
	}
	return options
}

func URL(url string) Option {
	return func(o *Options) {
		o.URL = url
	}
}

func Subscription(subscription ...packet.Subscription) Option {
	return func(o *Options) {
		o.Subscriptions = append(o.Subscriptions, subscription...)
	}
}

// Credentials sets the username/password sent with CONNECT.
func Credentials(username, password string) Option {
	return func(o *Options) {
		o.Username = username
		o.Password = password
	}
}

// Will sets the message the broker publishes on this connection's
// behalf if it drops without a clean DISCONNECT.
func Will(topic string, payload []byte) Option {
	return func(o *Options) {
		o.WillTopic = topic
		o.WillPayload = payload
	}
}

// CleanStart overrides the default clean-session behavior; pass false
// to request the server resume a prior persistent session.
func CleanStart(clean bool) Option {
	return func(o *Options) {
		o.CleanStart = clean
	}
}

// KeepAlive sets the keep-alive interval advertised in CONNECT. A
// duration of 0 disables PINGREQ, the dead-link watchdog, and the
// resending of unacknowledged QoS 1/2 publishes.
func KeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.KeepAlive = d
	}
}

// RetryTimeout overrides how long an unacknowledged QoS 1/2 publish
// waits before being resent with Dup set, independent of KeepAlive.
func RetryTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.RetryTimeout = d
	}
}

// OptimisticAck selects immediate (true, the default) versus
// application-driven (false) acknowledgement of inbound QoS 1/2
// publishes. Pass false together with OnMessageAck to let the
// application's reason code decide what goes out on the wire.
func OptimisticAck(v bool) Option {
	return func(o *Options) {
		o.OptimisticAck = v
	}
}

// TopicAliasMaximum advertises how many inbound topic aliases (v5.0
// only) the client is willing to accept from the server.
func TopicAliasMaximum(max uint16) Option {
	return func(o *Options) {
		o.TopicAliasMaximum = max
	}
}

// Reconnect overrides the default forever/3s ConnectAndSubscribe retry
// policy.
func Reconnect(policy ReconnectPolicy) Option {
	return func(o *Options) {
		o.Reconnect = policy
	}
}

// WithMetrics enables client-side Prometheus counters and registers
// them against reg. A nil reg (the default) leaves metrics collection
// off entirely.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func Version[T ~string | ~byte](version T) Option {
	return func(o *Options) {
		switch v := any(version).(type) {
		case byte:
			o.Version = v
		case string:
			switch v {
			case "5.0.0":
				o.Version = packet.VERSION500
			case "3.1.1":
				o.Version = packet.VERSION311
			default:
				panic(fmt.Errorf("version = %s not support", v))
			}
		}
	}
}
