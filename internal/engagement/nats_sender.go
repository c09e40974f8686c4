package engagement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const natsStream = "ENGAGEMENT"

type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// NATSSender publishes events to JetStream on "<prefix>.<type>". Each
// message carries a Nats-Msg-Id so redelivered beacons are deduplicated.
type NATSSender struct {
	nc     *nats.Conn
	js     jetStream
	prefix string
}

// NewNATSSender connects to url and ensures the ENGAGEMENT stream exists.
func NewNATSSender(url, subjectPrefix string) (*NATSSender, error) {
	prefix := strings.Trim(strings.TrimSpace(subjectPrefix), ".")
	if prefix == "" {
		prefix = "engagement"
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.StreamInfo(natsStream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     natsStream,
			Subjects: []string{prefix + ".>"},
			Storage:  nats.FileStorage,
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("add stream %s: %w", natsStream, err)
		}
	}
	return &NATSSender{nc: nc, js: js, prefix: prefix}, nil
}

func (s *NATSSender) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := nats.NewMsg(s.prefix + "." + string(ev.Type))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:%s:%s:%d", ev.UserID, ev.StoryID, ev.Type, ev.Timestamp))
	if _, err := s.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (s *NATSSender) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}
