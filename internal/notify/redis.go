package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/andrej220/fleetexec/internal/collab"
	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const dailyKeyTTL = 24 * time.Hour

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Counters keeps per-job outcome counters in Redis hashes:
//
//	fleetexec:job:<job>:totals         all-time, one field per status
//	fleetexec:job:<job>:daily:<date>   the same for one UTC day, expiring
type Counters struct {
	client *redis.Client
	logger lg.Logger
}

var _ collab.Notifier = (*Counters)(nil)

func NewCounters(cfg RedisConfig, logger lg.Logger) (*Counters, error) {
	if logger == nil {
		logger = lg.Discard
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if _, err := client.Ping().Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "connect redis %s", cfg.Addr)
	}
	return &Counters{client: client, logger: logger}, nil
}

func totalsKey(jobID string) string {
	return fmt.Sprintf("fleetexec:job:%s:totals", jobID)
}

func dailyKey(jobID string, day time.Time) string {
	return fmt.Sprintf("fleetexec:job:%s:daily:%s", jobID, day.UTC().Format("2006-01-02"))
}

func (c *Counters) Notify(ctx context.Context, ev models.ExecutionEvent) error {
	at := ev.CompletedAt
	if at.IsZero() {
		at = time.Now()
	}
	daily := dailyKey(ev.JobID, at)
	field := string(ev.Status)

	_, err := c.client.WithContext(ctx).Pipelined(func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(totalsKey(ev.JobID), field, 1)
		pipe.HIncrBy(daily, field, 1)
		pipe.Expire(daily, dailyKeyTTL)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "count execution %s", ev.ExecutionID)
	}
	return nil
}

// Totals returns the all-time counters of a job keyed by status.
func (c *Counters) Totals(jobID string) (map[string]string, error) {
	m, err := c.client.HGetAll(totalsKey(jobID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read counters for job %s", jobID)
	}
	return m, nil
}

func (c *Counters) Close() error {
	return c.client.Close()
}
