// Package messaging connects the pairing core to the transport layer over
// NATS. Inbound user commands arrive on pairing.cmd.<type>; notices are
// published to pairing.notify.<user>; relayed content is delivered with a
// request on pairing.deliver.<user> that the transport acknowledges.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/protocol"
)

// NATS subject patterns used by the pairing service.
const (
	SubjectCommand = "pairing.cmd"     // + .<command type>
	SubjectNotify  = "pairing.notify"  // + .<user_id>
	SubjectDeliver = "pairing.deliver" // + .<user_id>
)

// ErrRejected is returned when the transport refuses a delivery.
var ErrRejected = errors.New("messaging: delivery rejected")

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn    *nats.Conn
	log     zerolog.Logger
	timeout time.Duration
	mu      sync.Mutex
	subs    map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL             string        // nats://localhost:4222
	Name            string        // client name for identification
	ReconnectWait   time.Duration // time between reconnect attempts
	MaxReconnects   int           // max reconnect attempts (-1 for infinite)
	DeliveryTimeout time.Duration // bound on a delivery request
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:             "nats://localhost:4222",
		Name:            "pairing",
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   -1, // infinite reconnects
		DeliveryTimeout: 3 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")

	timeout := config.DeliveryTimeout
	if timeout <= 0 {
		timeout = DefaultNATSConfig().DeliveryTimeout
	}

	return &NATSClient{
		conn:    nc,
		log:     log,
		timeout: timeout,
		subs:    make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeCommands delivers every inbound command to handler. Messages
// are processed sequentially in the order NATS delivers them.
func (c *NATSClient) SubscribeCommands(handler func(data []byte)) error {
	return c.Subscribe(SubjectCommand+".>", func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Notify publishes a notice to the user's notify subject.
func (c *NATSClient) Notify(_ context.Context, to directory.UserID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.Publish(NotifySubject(to), data)
}

// SendText asks the transport to deliver text to the user.
func (c *NATSClient) SendText(ctx context.Context, to directory.UserID, text string) error {
	return c.deliver(ctx, to, protocol.TypeDeliverText, protocol.DeliverTextMsg{Text: text})
}

// CopyMedia asks the transport to copy a media message from one chat into
// another without revealing the source.
func (c *NATSClient) CopyMedia(ctx context.Context, from, to directory.UserID, ref string) error {
	return c.deliver(ctx, to, protocol.TypeDeliverMedia, protocol.DeliverMediaMsg{Source: int64(from), Ref: ref})
}

func (c *NATSClient) deliver(ctx context.Context, to directory.UserID, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.conn.RequestWithContext(ctx, DeliverSubject(to), data)
	if err != nil {
		return fmt.Errorf("nats deliver to %d: %w", to, err)
	}

	var reply protocol.DeliveryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("nats deliver to %d: bad reply: %w", to, err)
	}
	if !reply.OK {
		return fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return nil
}

// NotifySubject returns the subject notices for u are published on.
func NotifySubject(u directory.UserID) string {
	return SubjectNotify + "." + u.String()
}

// DeliverSubject returns the subject relayed content for u is requested on.
func DeliverSubject(u directory.UserID) string {
	return SubjectDeliver + "." + u.String()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn().Err(err).Str("subject", subject).Msg("nats drain failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("nats connection drain failed")
	}

	c.log.Info().Msg("nats client closed")
}
