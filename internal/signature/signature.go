// Package signature verifies signed inbound callbacks: HMAC-SHA256 over
// "v0:{timestamp}:{body}" plus a freshness window against replays.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strconv"
	"time"
)

const (
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderSignature = "X-Signature"

	Version = "v0"

	// DefaultMaxSkew 允许的时间戳偏差
	DefaultMaxSkew = 300 * time.Second
)

var (
	ErrMissingSecret    = errors.New("signing secret is not configured")
	ErrMissingHeaders   = errors.New("missing signature headers")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrStaleTimestamp   = errors.New("stale signature timestamp")
)

// Sign 计算 "v0=" + hex(HMAC-SHA256(secret, "v0:{timestamp}:{body}"))
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Version + ":" + timestamp + ":"))
	mac.Write(body)
	return Version + "=" + hex.EncodeToString(mac.Sum(nil))
}

// Verifier 校验签名与时效
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

// NewVerifier maxSkew<=0 时使用 DefaultMaxSkew
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{Secret: secret, MaxSkew: maxSkew, Now: time.Now}
}

// Verify 先校验签名（常量时间比较），再校验时间戳新鲜度
func (v *Verifier) Verify(timestamp, sig string, body []byte) error {
	if v.Secret == "" {
		return ErrMissingSecret
	}
	if timestamp == "" || sig == "" {
		return ErrMissingHeaders
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	expected := Sign(v.Secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := math.Abs(float64(now().Unix() - ts))
	if skew > v.MaxSkew.Seconds() {
		return ErrStaleTimestamp
	}
	return nil
}
