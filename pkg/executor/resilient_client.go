package executor

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/andrej220/fleetexec/internal/errors"
)

// ResilienceConfig tunes the per-address circuit breakers guarding
// connection setup.
type ResilienceConfig struct {
	DialTimeout         time.Duration `yaml:"dialTimeout"`
	MaxRequests         uint32        `yaml:"maxRequests"`
	Interval            time.Duration `yaml:"interval"`
	OpenTimeout         time.Duration `yaml:"openTimeout"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures"`
}

func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		DialTimeout:         10 * time.Second,
		MaxRequests:         5,
		Interval:            1 * time.Minute,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breakers keeps one circuit breaker per remote address so a host that
// keeps refusing connections fails fast without affecting other hosts.
type Breakers struct {
	mu       sync.Mutex
	cfg      ResilienceConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(cfg ResilienceConfig) *Breakers {
	def := DefaultResilienceConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	return &Breakers{cfg: cfg, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *Breakers) DialTimeout() time.Duration { return b.cfg.DialTimeout }

func (b *Breakers) get(addr string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[addr]
	if !ok {
		threshold := b.cfg.ConsecutiveFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "connect:" + addr,
			MaxRequests: b.cfg.MaxRequests,
			Interval:    b.cfg.Interval,
			Timeout:     b.cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		})
		b.breakers[addr] = cb
	}
	return cb
}

// Execute runs fn through the breaker for addr. Every failure, including a
// rejected call while the breaker is open, is marked errors.ErrConnection.
func (b *Breakers) Execute(addr string, fn func() (any, error)) (any, error) {
	res, err := b.get(addr).Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errors.Mark(errors.Wrapf(err, "connect %s", addr), errors.ErrConnection)
		}
		return nil, errors.Mark(err, errors.ErrConnection)
	}
	return res, nil
}

// State reports the breaker state for addr.
func (b *Breakers) State(addr string) gobreaker.State {
	return b.get(addr).State()
}
