package upstream

import (
	"context"

	"golang.org/x/time/rate"

	apperrors "github.com/stocksage/stocksage/gateway/pkg/errors"
)

// Limiter paces calls to one upstream with a token bucket. A secondary
// per-minute bucket covers providers whose free tier is quota'd per minute
// on top of per-second (the quotes API allows short 1 rps bursts but only 55
// calls in any minute).
type Limiter struct {
	primary   *rate.Limiter
	perMinute *rate.Limiter
}

// NewLimiter builds a limiter with the given sustained rate and burst.
// perMinute <= 0 disables the secondary bucket.
func NewLimiter(rps float64, burst int, perMinute int) *Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{primary: rate.NewLimiter(rate.Limit(rps), burst)}
	if perMinute > 0 {
		l.perMinute = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute/10+1)
	}
	return l
}

// Acquire blocks until a token is available or the context expires. A wait
// that cannot complete within the caller's deadline yields RateLimited; a
// context that expired or was cancelled propagates as-is.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := l.primary.Wait(ctx); err != nil {
		return classifyWaitErr(ctx, err)
	}
	if l.perMinute != nil {
		if err := l.perMinute.Wait(ctx); err != nil {
			return classifyWaitErr(ctx, err)
		}
	}
	return nil
}

func classifyWaitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// rate.Wait rejected because the required wait exceeds the remaining
	// deadline: the limiter itself is the bottleneck.
	return apperrors.Wrap(apperrors.KindRateLimited, "upstream rate limit reached", err)
}
