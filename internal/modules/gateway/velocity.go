package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"permitpay/internal/cache"
)

type VelocityInput struct {
	ApplicationID   int64
	Email           string
	IP              string
	CardFingerprint string
	Amount          int64
}

type VelocityVerdict struct {
	Allowed    bool
	RiskScore  int
	Violations []string
}

// VelocityGuard screens payment attempts against sliding-window counters in
// the shared cache. It vetoes when the accumulated risk score crosses the
// reject threshold; on cache failure it allows the attempt and logs.
type VelocityGuard struct {
	window  cache.Window
	loggerf func(format string, args ...interface{})

	span        time.Duration
	maxPerEmail int64
	maxPerIP    int64
	maxPerCard  int64
	maxAmount   int64
}

const velocityRejectScore = 50

func NewVelocityGuard(window cache.Window, loggerf func(format string, args ...interface{})) *VelocityGuard {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &VelocityGuard{
		window:      window,
		loggerf:     loggerf,
		span:        5 * time.Minute,
		maxPerEmail: 3,
		maxPerIP:    10,
		maxPerCard:  2,
		maxAmount:   2_000_00, // centavos
	}
}

func (g *VelocityGuard) Check(ctx context.Context, in VelocityInput) (*VelocityVerdict, error) {
	v := &VelocityVerdict{Allowed: true}
	now := time.Now()

	g.score(ctx, v, now, fmt.Sprintf("vel:email:%s", strings.ToLower(in.Email)), g.maxPerEmail, 40, "email_velocity_exceeded")
	if in.IP != "" {
		g.score(ctx, v, now, "vel:ip:"+in.IP, g.maxPerIP, 20, "ip_velocity_exceeded")
	}
	if in.CardFingerprint != "" {
		g.score(ctx, v, now, "vel:card:"+in.CardFingerprint, g.maxPerCard, 50, "card_fingerprint_velocity_exceeded")
	}
	if g.maxAmount > 0 && in.Amount > g.maxAmount {
		v.RiskScore += 25
		v.Violations = append(v.Violations, "amount_above_limit")
	}

	if v.RiskScore >= velocityRejectScore {
		v.Allowed = false
	}
	return v, nil
}

func (g *VelocityGuard) score(ctx context.Context, v *VelocityVerdict, now time.Time, key string, max int64, weight int, violation string) {
	n, err := g.window.AddAndCount(ctx, key, now, g.span)
	if err != nil {
		g.loggerf("level=warn msg=velocity window unavailable key=%s err=%v", key, err)
		return
	}
	if n > max {
		v.RiskScore += weight
		v.Violations = append(v.Violations, violation)
	}
}
