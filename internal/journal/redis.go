package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis Streams journal.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Buffer       int
	MasterName   string
}

// NewRedis initialises a journal that appends entries to a Redis stream. The
// caller is responsible for ensuring the Redis instance is reachable.
// Entries are appended by a background worker so Publish never blocks the
// control loop; when the worker falls behind, new entries are dropped with a
// warning.
func NewRedis(cfg RedisConfig) (Journal, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "streamcast:journal"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   2,
	})
	j := &redisJournal{
		client:  client,
		stream:  stream,
		logger:  cfg.Logger,
		pending: make(chan Entry, cfg.Buffer),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	go j.run()
	return j, nil
}

type redisJournal struct {
	client  redis.UniversalClient
	stream  string
	logger  *slog.Logger
	pending chan Entry
	done    chan struct{}
	drained chan struct{}

	closeOnce sync.Once
}

func (j *redisJournal) Publish(_ context.Context, entry Entry) error {
	if entry.Kind == "" {
		return errors.New("entry kind is required")
	}
	select {
	case <-j.done:
		return errors.New("journal closed")
	default:
	}
	select {
	case j.pending <- entry:
		return nil
	default:
		j.logger.Warn("journal buffer full, dropping entry", "kind", entry.Kind)
		return nil
	}
}

func (j *redisJournal) Close() error {
	j.closeOnce.Do(func() {
		close(j.done)
	})
	// The worker keeps appending accepted entries until the buffer is
	// empty; closing the client before then would fail those appends.
	<-j.drained
	return j.client.Close()
}

func (j *redisJournal) run() {
	defer close(j.drained)
	for {
		select {
		case <-j.done:
			// Drain whatever was accepted before Close.
			for {
				select {
				case entry := <-j.pending:
					j.append(entry)
				default:
					return
				}
			}
		case entry := <-j.pending:
			j.append(entry)
		}
	}
}

func (j *redisJournal) append(entry Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		j.logger.Error("journal encode failed", "kind", entry.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := j.client.Do(ctx, "XADD", j.stream, "*", "payload", string(payload)).Err(); err != nil {
		j.logger.Warn("journal append failed", "kind", entry.Kind, "error", err)
	}
}
