package pager

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
)

func init() {
	alerts.RegisterPager("log", func(_ config.PagerConfiguration, log *zap.Logger) (alerts.Pager, error) {
		return NewLogPager(log), nil
	})
}

// LogPager writes every alert to the process log.
type LogPager struct {
	log *zap.Logger
}

func NewLogPager(log *zap.Logger) *LogPager {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPager{log: log}
}

func (p *LogPager) Page(_ context.Context, a alerts.Alert) error {
	p.log.Warn(a.Title(),
		zap.String("server", a.Server.Name()),
		zap.String("ip", a.Server.Address.IP),
		zap.Int("port", a.Server.Port),
		zap.String("type", a.Server.Type),
		zap.String("instance", a.Instance),
		zap.Time("at", a.At),
		zap.ByteString("payload", a.Server.Payload),
	)
	return nil
}

func (p *LogPager) Description() string { return "Writes an alert line to the monitor log" }

func (p *LogPager) Close() error { return nil }
