package pager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
)

const DefaultNatsSubject = "babysitter.alerts"

func init() {
	alerts.RegisterPager("nats", func(cfg config.PagerConfiguration, log *zap.Logger) (alerts.Pager, error) {
		url := cfg.Settings["url"]
		if url == "" {
			return nil, fmt.Errorf("nats pager requires url")
		}
		return NewNatsPager(url, setting(cfg, "subject", DefaultNatsSubject), log)
	})
}

// NatsPager publishes the JSON alert on a NATS subject.
type NatsPager struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

func NewNatsPager(url, subject string, log *zap.Logger) (*NatsPager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("babysitter"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NatsPager{nc: nc, subject: subject, log: log}, nil
}

func (p *NatsPager) Page(ctx context.Context, a alerts.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	msg := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header:  nats.Header{"server": []string{a.Server.Name()}},
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	if err := p.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}
	return nil
}

func (p *NatsPager) Description() string {
	return "Publishes alert events on NATS subject " + p.subject
}

func (p *NatsPager) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}
