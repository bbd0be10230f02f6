package scheduler

import (
	"golang.org/x/time/rate"

	"github.com/samcharles93/strata/internal/stream"
)

// AdmissionPolicy decides whether an enqueued stream may join the wait queue.
type AdmissionPolicy interface {
	Admit(s *stream.Stream) (admitted bool, reason string)
}

// AlwaysAdmit admits all streams unconditionally.
type AlwaysAdmit struct{}

func (AlwaysAdmit) Admit(*stream.Stream) (bool, string) {
	return true, ""
}

// TokenBucket limits the rate at which streams are accepted.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket admits perSecond streams per second with bursts of burst.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (tb *TokenBucket) Admit(*stream.Stream) (bool, string) {
	if tb.limiter.Allow() {
		return true, ""
	}
	return false, "admission rate exceeded"
}

// NewAdmissionPolicy returns a token bucket when a positive rate is
// configured and AlwaysAdmit otherwise.
func NewAdmissionPolicy(perSecond float64, burst int) AdmissionPolicy {
	if perSecond <= 0 {
		return AlwaysAdmit{}
	}
	return NewTokenBucket(perSecond, burst)
}
