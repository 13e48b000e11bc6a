package auth

import (
	"sync"
	"time"
)

const (
	failureWindow = 15 * time.Minute
	lockoutPeriod = 10 * time.Minute
	failureLimit  = 5
)

// loginLimiter はIP単位のログイン失敗を数え、上限超過でロックします。
// エントリはプロセス内メモリにのみ保持します。
type loginLimiter struct {
	mu      sync.Mutex
	buckets map[string]*failureBucket
}

type failureBucket struct {
	failures    int
	windowStart time.Time
	lockedUntil time.Time
}

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{buckets: make(map[string]*failureBucket)}
}

// retryAfter はロック中の残り時間を返します。ロックされていなければ0です。
func (l *loginLimiter) retryAfter(ip string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok || !now.Before(b.lockedUntil) {
		return 0
	}
	return b.lockedUntil.Sub(now)
}

// fail は失敗を記録し、ロックまでの残り試行回数を返します。
func (l *loginLimiter) fail(ip string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok || now.Sub(b.windowStart) > failureWindow {
		b = &failureBucket{windowStart: now}
		l.buckets[ip] = b
	}

	b.failures++
	if b.failures >= failureLimit {
		b.failures = failureLimit
		b.lockedUntil = now.Add(lockoutPeriod)
		return 0
	}
	return failureLimit - b.failures
}

// reset はログイン成功時に失敗履歴を消します。
func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, ip)
}
