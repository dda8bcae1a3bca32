package mqttsim

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Connection is the transport a Session drives. Every method is called on
// the session's loop and must not block; outcomes arrive later as events.
type Connection interface {
	Connect()
	Disconnect()
	Subscribe(topic string, qos byte)
	// Publish sends one message. packetID is advisory: a transport that
	// allocates its own wire ids may ignore it.
	Publish(packetID uint16, topic string, payload []byte, qos byte, retain bool)
	SetCredentials(username, password string)
	On(eventName int, handler func(payload EventPayload) error)
	Close()
}

type ConnOptions struct {
	Host           string
	Port           int
	ClientID       string
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	TLS            *tls.Config
}

// Dialer builds a Connection bound to loop.
type Dialer func(loop *Loop, opts ConnOptions) Connection

// NewMQTTDialer returns a Dialer producing paho-backed connections that share
// the shard's resolver.
func NewMQTTDialer(resolver *Resolver, log *Log) Dialer {
	return func(loop *Loop, opts ConnOptions) Connection {
		return newMQTTConn(loop, resolver, log, opts)
	}
}

type credentials struct {
	username string
	password string
}

type mqttConn struct {
	loop     *Loop
	resolver *Resolver
	log      *Log
	opts     ConnOptions
	bus      *EventBus
	client   mqtt.Client
	broker   string
	creds    atomic.Pointer[credentials]

	resolving bool
	closed    bool
}

func newMQTTConn(loop *Loop, resolver *Resolver, log *Log, opts ConnOptions) *mqttConn {
	c := &mqttConn{
		loop:     loop,
		resolver: resolver,
		log:      log,
		opts:     opts,
		bus:      NewEventBus(),
	}
	c.creds.Store(&credentials{})
	return c
}

func (c *mqttConn) On(eventName int, handler func(payload EventPayload) error) {
	c.bus.Subscribe(eventName, handler)
}

func (c *mqttConn) SetCredentials(username, password string) {
	c.creds.Store(&credentials{username: username, password: password})
}

// provideCredentials is called by paho on every connect attempt.
func (c *mqttConn) provideCredentials() (string, string) {
	cr := c.creds.Load()
	return cr.username, cr.password
}

// Connect resolves the broker on first use, then starts a connection
// attempt. Neither step blocks the loop; the outcome arrives as an event.
func (c *mqttConn) Connect() {
	if c.closed || c.resolving {
		return
	}
	if c.client != nil {
		c.startConnect()
		return
	}

	c.resolving = true
	c.resolver.Resolve(c.loop, c.opts.Host, func(addrs []string, err error) {
		c.resolving = false
		if c.closed {
			return
		}
		if err != nil {
			c.failLater(err)
			return
		}
		c.build(addrs[0])
		c.startConnect()
	})
}

func (c *mqttConn) startConnect() {
	token := c.client.Connect()
	go func() {
		token.Wait()
		err := token.Error()
		c.loop.Post(func() {
			if c.closed {
				return
			}
			if err != nil {
				c.publishError(err)
				return
			}
			c.bus.Publish(ConnEventConnected, &ConnEventConnectedPayload{
				Broker: c.broker,
				Time:   c.loop.Now(),
			})
		})
	}()
}

func (c *mqttConn) build(addr string) {
	scheme := "tcp"
	if c.opts.TLS != nil {
		scheme = "ssl"
	}
	c.broker = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(addr, strconv.Itoa(c.opts.Port)))

	o := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.opts.ClientID).
		SetCleanSession(c.opts.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(c.opts.KeepAlive).
		SetConnectTimeout(c.opts.ConnectTimeout).
		SetCredentialsProvider(c.provideCredentials).
		SetDefaultPublishHandler(c.onMessage).
		SetConnectionLostHandler(c.onConnectionLost)
	if c.opts.TLS != nil {
		tlsConfig := c.opts.TLS.Clone()
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = c.opts.Host
		}
		o.SetTLSConfig(tlsConfig)
	}

	c.client = mqtt.NewClient(o)
}

func (c *mqttConn) Subscribe(topic string, qos byte) {
	if c.client == nil {
		return
	}
	token := c.client.Subscribe(topic, qos, c.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error(err, "subscribe failed", zap.String("client_id", c.opts.ClientID), zap.String("topic", topic))
		}
	}()
}

// Publish hands the message to paho without waiting for the outcome.
func (c *mqttConn) Publish(packetID uint16, topic string, payload []byte, qos byte, retain bool) {
	if c.client == nil {
		return
	}
	c.client.Publish(topic, qos, retain, payload)
}

// Disconnect closes an open connection and aborts one that is still being
// established.
func (c *mqttConn) Disconnect() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(0)
}

func (c *mqttConn) Close() {
	if c.closed {
		return
	}
	c.Disconnect()
	c.closed = true
	c.client = nil
}

func (c *mqttConn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := &ConnEventMessagePayload{
		Topic:    msg.Topic(),
		Payload:  msg.Payload(),
		Received: time.Now(),
	}
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.bus.Publish(ConnEventMessage, payload)
	})
}

func (c *mqttConn) onConnectionLost(_ mqtt.Client, err error) {
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.bus.Publish(ConnEventDisconnected, &ConnEventDisconnectedPayload{
			Broker: c.broker,
			Reason: err.Error(),
			Time:   c.loop.Now(),
		})
		ce := newConnectionError(err)
		if ce.Kind == ErrUnknown {
			ce.Kind = ErrRemoteClosed
		}
		c.publishError(ce)
	})
}

func (c *mqttConn) publishError(err error) {
	ce := newConnectionError(err)
	c.bus.Publish(ConnEventError, &ConnEventErrorPayload{Kind: ce.Kind, Err: ce})
}

// failLater reports err on the next loop pass instead of re-entering the
// caller.
func (c *mqttConn) failLater(err error) {
	c.loop.AfterFunc(0, func() {
		if c.closed {
			return
		}
		c.publishError(err)
	})
}
