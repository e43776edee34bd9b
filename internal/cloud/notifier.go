package cloud

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// ChangeNotification announces that an owner's match data changed on the
// backend. OriginDevice lets receivers skip notifications caused by their own
// just-uploaded writes.
type ChangeNotification struct {
	OwnerID      string `json:"ownerId"`
	OriginDevice string `json:"originDevice"`
}

// DefaultChangeSubject is the NATS subject carrying match-change notifications.
const DefaultChangeSubject = "tabletally.matches.changed"

// NATSNotifier publishes and subscribes to change notifications over NATS.
type NATSNotifier struct {
	nc      *nats.Conn
	subject string
}

// ConnectNotifier dials NATS with reconnect handlers and binds to subject.
func ConnectNotifier(url, subject string) (*NATSNotifier, error) {
	if subject == "" {
		subject = DefaultChangeSubject
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSNotifier{nc: nc, subject: subject}, nil
}

// Publish announces a change to every other subscribed device.
func (n *NATSNotifier) Publish(notification ChangeNotification) error {
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal change notification: %w", err)
	}
	if err := n.nc.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish change notification: %w", err)
	}
	return nil
}

// Subscribe invokes handler for every change notification. The returned
// function unsubscribes.
func (n *NATSNotifier) Subscribe(handler func(ChangeNotification)) (func(), error) {
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		var notification ChangeNotification
		if err := json.Unmarshal(msg.Data, &notification); err != nil {
			log.Warn().Err(err).Msg("discarding malformed change notification")
			return
		}
		handler(notification)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe from change feed")
		}
	}, nil
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() {
	if n.nc != nil {
		n.nc.Close()
	}
}
