package scenarios

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/qube-ai/rule-vm/storage"
	"github.com/qube-ai/rule-vm/test/e2e/config"
)

// session is one connection to the target deployment, sharing the engine's
// buckets through the storage API.
type session struct {
	nc    *nats.Conn
	js    jetstream.JetStream
	store *storage.Store
}

func dial(ctx context.Context, cfg *config.Config) (*session, error) {
	nc, err := nats.Connect(cfg.NATSURL, nats.Name("rulevm-e2e"))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.NATSURL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	store, err := storage.NewStore(ctx, js, storage.Options{
		DeviceBucket: cfg.DeviceBucket,
		RecordBucket: cfg.RecordBucket,
		RuleBucket:   cfg.RuleBucket,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &session{nc: nc, js: js, store: store}, nil
}

func (s *session) close() {
	if s != nil && s.nc != nil {
		s.nc.Close()
	}
}

// awaitCondition polls check until it returns nil or the timeout expires.
// The last check error is reported so a failed wait names what was missing.
func awaitCondition(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = check(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out after %v: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}
