package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/bacheca/internal/model"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	GeneralRate     rate.Limit    // API全般のレート（req/sec）。120/60 = 2 req/sec
	GeneralBurst    int           // API全般のバーストサイズ
	ApplyRate       rate.Limit    // 応募送信のレート（req/sec）。10/60
	ApplyBurst      int           // 応募送信のバーストサイズ
	CleanupInterval time.Duration // 期限切れエントリのクリーンアップ間隔
}

// DefaultRateLimiterConfig はデフォルトのレート制限設定を返す。
// API全般 120 req/min/主体、応募送信 10 件/min/主体
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     rate.Limit(120.0 / 60.0),
		GeneralBurst:    120,
		ApplyRate:       rate.Limit(10.0 / 60.0),
		ApplyBurst:      10,
		CleanupInterval: 5 * time.Minute,
	}
}

// keyedLimiter は主体IDごとのトークンバケットを保持する。
type keyedLimiter struct {
	kind   string
	limit  rate.Limit
	burst  int
	reject func(retryAfterSec int) *model.APIError

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newKeyedLimiter(kind string, limit rate.Limit, burst int, reject func(int) *model.APIError) *keyedLimiter {
	return &keyedLimiter{
		kind:    kind,
		limit:   limit,
		burst:   burst,
		reject:  reject,
		buckets: make(map[string]*bucket),
	}
}

// take はトークンを1つ消費する。不足時は消費せずに補充までの待ち時間を返す。
func (k *keyedLimiter) take(key string, now time.Time) (time.Duration, bool) {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastAccess = now
	k.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Duration(float64(time.Second) / float64(k.limit)), false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// sweep は最終アクセスからttlを超えたバケットを削除する。
func (k *keyedLimiter) sweep(now time.Time, ttl time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, b := range k.buckets {
		if now.Sub(b.lastAccess) > ttl {
			delete(k.buckets, key)
		}
	}
}

func (k *keyedLimiter) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// RateLimiter は主体ごとのレート制限を管理する。
// API全般と応募送信の2つのバケットは独立しており、応募送信は専用のエラーコードで拒否する。
type RateLimiter struct {
	config  RateLimiterConfig
	general *keyedLimiter
	apply   *keyedLimiter
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter は新しいRateLimiterを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		config:  config,
		general: newKeyedLimiter("general", config.GeneralRate, config.GeneralBurst, model.NewRateLimitedError),
		apply:   newKeyedLimiter("application_submit", config.ApplyRate, config.ApplyBurst, model.NewApplicationRateLimitedError),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// GeneralMiddleware はAPI全般のレート制限ミドルウェアを返す。
// Authorizer.Requireの後に配置する。
func (rl *RateLimiter) GeneralMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.general)
}

// ApplyMiddleware は応募送信専用のレート制限ミドルウェアを返す。
func (rl *RateLimiter) ApplyMiddleware() func(next http.Handler) http.Handler {
	return rl.middleware(rl.apply)
}

func (rl *RateLimiter) middleware(k *keyedLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := RequestContextFrom(r.Context())
			if !ok {
				WriteAPIError(w, model.NewAuthenticationRequiredError())
				return
			}

			wait, ok := k.take(rc.Principal.ID, rl.now())
			if !ok {
				retryAfterSec := max(int(math.Ceil(wait.Seconds())), 1)
				slog.Warn("rate limit exceeded",
					slog.String("principal_id", rc.Principal.ID),
					slog.String("limit_type", k.kind),
					slog.Int("retry_after_sec", retryAfterSec),
				)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
				WriteAPIError(w, k.reject(retryAfterSec))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GeneralLimiterCount は現在管理されているAPI全般リミッターのエントリ数を返す。
func (rl *RateLimiter) GeneralLimiterCount() int {
	return rl.general.len()
}

// ApplyLimiterCount は現在管理されている応募送信リミッターのエントリ数を返す。
func (rl *RateLimiter) ApplyLimiterCount() int {
	return rl.apply.len()
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がCleanupIntervalの2倍を超えたエントリを削除する。
func (rl *RateLimiter) cleanup() {
	now := rl.now()
	ttl := rl.config.CleanupInterval * 2
	rl.general.sweep(now, ttl)
	rl.apply.sweep(now, ttl)
}
