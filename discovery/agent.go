package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/pkg/coord"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

// RegisterServer publishes s as an ephemeral member under monitorPath and
// returns the member path. The member lives as long as the store session.
func RegisterServer(ctx context.Context, st coord.Store, monitorPath string, s model.Server) (string, error) {
	if s.Name() == "" {
		return "", model.ErrMissingHostname
	}
	data, err := model.EncodeServer(s)
	if err != nil {
		return "", err
	}
	if err := coord.EnsurePath(ctx, st, monitorPath); err != nil {
		return "", err
	}
	path := coord.Join(monitorPath, s.Name())
	if _, err := st.Create(ctx, path, data, coord.Ephemeral); err != nil {
		return "", fmt.Errorf("register %s: %w", s.Name(), err)
	}
	return path, nil
}

// Heartbeat rewrites the member record every interval, with the payload
// produced by payload, until ctx ends. It returns the error that stopped it;
// a member that was removed or a session that expired ends the heartbeat.
func Heartbeat(ctx context.Context, st coord.Store, path string, s model.Server, interval time.Duration, payload func() []byte, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if payload != nil {
			s.Payload = payload()
		}
		data, err := model.EncodeServer(s)
		if err != nil {
			return err
		}
		_, err = st.Set(ctx, path, data, coord.AnyVersion)
		switch coord.CodeOf(err) {
		case coord.OK:
		case coord.ConnectionLoss:
			log.Warn("heartbeat failed, will retry", zap.String("path", path), zap.Error(err))
		default:
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("heartbeat %s: %w", path, err)
		}
	}
}
