package gateway

import (
	"context"
	"fmt"
	"time"

	"permitpay/internal/cache"
)

// SlidingWindowLimiter caps payment attempts per customer and application.
// The window lives in the shared cache so the cap holds across instances.
// On cache failure it fails open; the velocity guard and the provider's own
// limits still stand behind it.
type SlidingWindowLimiter struct {
	window  cache.Window
	max     int64
	span    time.Duration
	loggerf func(format string, args ...interface{})
}

func NewSlidingWindowLimiter(window cache.Window, max int, span time.Duration, loggerf func(format string, args ...interface{})) *SlidingWindowLimiter {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &SlidingWindowLimiter{window: window, max: int64(max), span: span, loggerf: loggerf}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, customerID string, applicationID int64) (bool, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:pay:%s:%d", customerID, applicationID)
	n, err := l.window.AddAndCount(ctx, key, time.Now(), l.span)
	if err != nil {
		l.loggerf("level=warn msg=rate limit window unavailable key=%s err=%v", key, err)
		return true, 0, nil
	}
	if n > l.max {
		return false, l.span, nil
	}
	return true, 0, nil
}
