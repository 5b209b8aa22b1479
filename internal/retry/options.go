package retry

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Source yields uniformly distributed floats in [0, 1).
type Source interface {
	Float64() float64
}

type cryptoSource struct{}

// Float64 draws 53 random bits from crypto/rand, falling back to the midpoint
// if the reader fails.
func (cryptoSource) Float64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

type options struct {
	sleeper crawler.Sleeper
	rand    Source
}

// Option customises a retryer.
type Option func(*options)

// WithSleeper replaces the timer-based sleeper, mainly for tests.
func WithSleeper(s crawler.Sleeper) Option {
	return func(o *options) {
		if s != nil {
			o.sleeper = s
		}
	}
}

// WithSource replaces the random source used for jitter.
func WithSource(src Source) Option {
	return func(o *options) {
		if src != nil {
			o.rand = src
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{sleeper: crawler.TimerSleeper{}, rand: cryptoSource{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// between returns a random duration in [lo, hi].
func between(src Source, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(src.Float64()*float64(hi-lo))
}
