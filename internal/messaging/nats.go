// Package messaging relays session events between gateway instances over
// NATS. Each instance publishes the events it originates to a per-session
// subject and re-broadcasts events from other instances to its local
// connections, so a session's participants can be spread across servers.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectSessionEvents is the subject prefix for session event relays; the
// full subject is session.events.<session_id>.
const SubjectSessionEvents = "session.events"

// Routing scopes carried in the relay envelope.
const (
	ScopeAll     = "all"
	ScopePrivate = "private"
	ScopeUser    = "user"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also the relay origin id
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "livechat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient wraps the NATS connection with the session-event pub/sub surface.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{conn: nc}, nil
}

// PublishSessionEvent publishes data to the session's event subject.
func (c *NATSClient) PublishSessionEvent(sessionID string, data []byte) error {
	return c.conn.Publish(SubjectSessionEvents+"."+sessionID, data)
}

// SubscribeSessionEvents subscribes to every session's event subject and
// passes the session id plus raw payload to the handler.
func (c *NATSClient) SubscribeSessionEvents(handler func(sessionID string, data []byte)) error {
	subject := SubjectSessionEvents + ".>"
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		sessionID := strings.TrimPrefix(msg.Subject, SubjectSessionEvents+".")
		handler(sessionID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}

// relayEnvelope wraps a broadcast payload with its origin instance and
// routing scope so other instances can replay it with the same visibility.
type relayEnvelope struct {
	Origin      string          `json:"origin"`
	Scope       string          `json:"scope"`
	SenderID    string          `json:"sender_id,omitempty"`
	RecipientID string          `json:"recipient_id,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// LocalHub is the subset of the hub manager the fan-out needs.
type LocalHub interface {
	Broadcast(sessionID string, data []byte)
	BroadcastPrivate(sessionID, senderID, recipientID string, data []byte)
	SendToUser(sessionID, userID string, data []byte)
	IsConnected(sessionID, userID string) bool
}

// Fanout broadcasts to the local hub and relays every event over NATS so
// other gateway instances serving the same session deliver it too. With a
// nil NATS client it degrades to local-only delivery.
type Fanout struct {
	origin string
	local  LocalHub
	nats   *NATSClient
}

// NewFanout creates a Fanout for this instance. origin must be unique per
// instance (the configured server name) so replayed events can be filtered.
func NewFanout(origin string, local LocalHub, natsClient *NATSClient) *Fanout {
	return &Fanout{origin: origin, local: local, nats: natsClient}
}

// Start subscribes to remote session events and replays them locally.
// Events published by this instance are skipped by origin.
func (f *Fanout) Start() error {
	if f.nats == nil {
		return nil
	}
	return f.nats.SubscribeSessionEvents(func(sessionID string, data []byte) {
		var env relayEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[fanout] bad relay envelope session=%s: %v", sessionID, err)
			return
		}
		if env.Origin == f.origin {
			return
		}
		switch env.Scope {
		case ScopeAll:
			f.local.Broadcast(sessionID, env.Payload)
		case ScopePrivate:
			f.local.BroadcastPrivate(sessionID, env.SenderID, env.RecipientID, env.Payload)
		case ScopeUser:
			f.local.SendToUser(sessionID, env.UserID, env.Payload)
		default:
			log.Printf("[fanout] unknown relay scope %q session=%s", env.Scope, sessionID)
		}
	})
}

func (f *Fanout) relay(sessionID string, env relayEnvelope) {
	if f.nats == nil {
		return
	}
	env.Origin = f.origin
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[fanout] marshal relay envelope: %v", err)
		return
	}
	if err := f.nats.PublishSessionEvent(sessionID, data); err != nil {
		log.Printf("[fanout] publish session=%s: %v", sessionID, err)
	}
}

func (f *Fanout) Broadcast(sessionID string, data []byte) {
	f.local.Broadcast(sessionID, data)
	f.relay(sessionID, relayEnvelope{Scope: ScopeAll, Payload: data})
}

func (f *Fanout) BroadcastPrivate(sessionID, senderID, recipientID string, data []byte) {
	f.local.BroadcastPrivate(sessionID, senderID, recipientID, data)
	f.relay(sessionID, relayEnvelope{
		Scope:       ScopePrivate,
		SenderID:    senderID,
		RecipientID: recipientID,
		Payload:     data,
	})
}

func (f *Fanout) SendToUser(sessionID, userID string, data []byte) {
	f.local.SendToUser(sessionID, userID, data)
	f.relay(sessionID, relayEnvelope{Scope: ScopeUser, UserID: userID, Payload: data})
}

// IsConnected answers from the local hub only. A recipient connected to a
// different instance is treated as absent; routing private messages across
// instances still works once both ends are known locally somewhere.
func (f *Fanout) IsConnected(sessionID, userID string) bool {
	return f.local.IsConnected(sessionID, userID)
}
