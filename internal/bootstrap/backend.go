// Package bootstrap wires a queue.Backend from a loaded config.Config,
// shared by cmd/worker and cmd/reaper so both processes construct the
// exact same backend given the same document.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quantdesk/marketjobs/internal/config"
	"github.com/quantdesk/marketjobs/internal/platform/logger"
	"github.com/quantdesk/marketjobs/internal/queue"
	"github.com/quantdesk/marketjobs/internal/queue/amqpbackend"
	"github.com/quantdesk/marketjobs/internal/queue/kvbackend"
	"github.com/quantdesk/marketjobs/internal/queue/pubsubbackend"
	"github.com/quantdesk/marketjobs/internal/queue/sqlbackend"
)

func retryPolicy(c *config.Config) queue.RetryPolicy {
	return queue.RetryPolicy{
		Base:       time.Duration(c.Retry.BaseBackoffSec) * time.Second,
		Cap:        time.Duration(c.Retry.MaxBackoffSec) * time.Second,
		JitterFrac: c.Retry.JitterFraction,
	}
}

// Backend constructs the queue.Backend named by c.Queue.Backend.
func Backend(ctx context.Context, c *config.Config, log *logger.Logger) (queue.Backend, error) {
	policy := retryPolicy(c)

	switch c.Queue.Backend {
	case config.BackendSQL:
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			c.Queue.SQL.Host, c.Queue.SQL.Port, c.Queue.SQL.Database, c.Queue.SQL.User, c.Queue.SQL.Password, orDefault(c.Queue.SQL.SSLMode, "disable"))
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
		}
		if err := sqlbackend.Migrate(db); err != nil {
			return nil, fmt.Errorf("bootstrap: migrate: %w", err)
		}
		return sqlbackend.New(db, log, policy), nil

	case config.BackendKV:
		opts := kvbackend.Options{
			Addr:     fmt.Sprintf("%s:%d", c.Queue.KV.Host, c.Queue.KV.Port),
			Password: c.Queue.KV.Password,
			DB:       c.Queue.KV.Keyspace,
		}
		return kvbackend.New(ctx, opts, log, policy)

	case config.BackendAMQP:
		url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s", c.Queue.AMQP.User, c.Queue.AMQP.Password, c.Queue.AMQP.Host, c.Queue.AMQP.Port, c.Queue.AMQP.Vhost)
		return amqpbackend.New(amqpbackend.Options{URL: url}, log, policy)

	case config.BackendPubSub:
		url := fmt.Sprintf("tcp://%s:%d", c.Queue.PubSub.Host, c.Queue.PubSub.Port)
		clientID := c.Queue.PubSub.ClientID
		if clientID == "" {
			clientID = "marketjobs"
		}
		return pubsubbackend.New(pubsubbackend.Options{BrokerURL: url, ClientID: clientID}, log, policy)

	default:
		return nil, fmt.Errorf("bootstrap: unknown queue.backend %q", c.Queue.Backend)
	}
}

// SQLiteBackend constructs a sqlbackend.Backend atop an on-disk sqlite
// file. `marketjobsctl setup-local` does not call it: that command opens
// and migrates its sqlite file directly.
func SQLiteBackend(path string, log *logger.Logger, policy queue.RetryPolicy) (*sqlbackend.Backend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open sqlite %s: %w", path, err)
	}
	if err := sqlbackend.Migrate(db); err != nil {
		return nil, fmt.Errorf("bootstrap: migrate sqlite: %w", err)
	}
	return sqlbackend.New(db, log, policy), nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
