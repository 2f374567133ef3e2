package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN/NOTIFY channel the PostgreSQL triggers publish on.
const NotifyChannel = "inventory_changes"

// PGSource feeds a Broker from PostgreSQL notifications. Reconnects are reported as
// SUBSCRIBED so subscribers refetch whatever they missed while disconnected.
type PGSource struct {
	dsn     string
	channel string
	logger  *zap.Logger
}

func NewPGSource(dsn string, logger *zap.Logger) *PGSource {
	return &PGSource{dsn: dsn, channel: NotifyChannel, logger: logger}
}

func (s *PGSource) Run(ctx context.Context, b *Broker) error {
	listener := pq.NewListener(s.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected, pq.ListenerEventReconnected:
			s.logger.Info("Change listener connected", zap.String("channel", s.channel))
			b.SetStatus(StatusSubscribed, nil)
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			s.logger.Warn("Change listener disconnected", zap.Error(err))
			b.SetStatus(StatusChannelError, err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(s.channel); err != nil {
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; the status callback already covered it
			if n == nil {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				s.logger.Error("Failed to decode notification", zap.Error(err))
				continue
			}
			b.Publish(ev)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("Change listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}
