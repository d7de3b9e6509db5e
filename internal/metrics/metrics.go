// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、認可ミドルウェア、応募サービスから利用する。
type MetricsCollector interface {
	RecordLogin(outcome string)
	RecordPrincipalCreated()
	RecordRoleAssigned(role string)
	RecordAuthzDenied(reason string)
	RecordApplicationSubmitted()
	RecordDuplicateApplication()
	RecordProviderLatency(duration time.Duration)
}

// ログイン結果のラベル値
const (
	LoginSuccess       = "success"
	LoginUpstreamError = "upstream_failure"
	LoginRejected      = "authentication_failed"
)

// 認可拒否理由のラベル値
const (
	DeniedUnauthenticated = "unauthenticated"
	DeniedRole            = "role"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins           *prometheus.CounterVec
	principalCreated prometheus.Counter
	roleAssigned     *prometheus.CounterVec
	authzDenied      *prometheus.CounterVec
	appSubmitted     prometheus.Counter
	appDuplicate     prometheus.Counter
	providerLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bacheca_logins_total",
			Help: "OAuthコールバック処理の結果別件数",
		}, []string{"outcome"}),
		principalCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bacheca_principals_created_total",
			Help: "初回ログインで作成された主体の合計数",
		}),
		roleAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bacheca_roles_assigned_total",
			Help: "ロール別のロール確定数",
		}, []string{"role"}),
		authzDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bacheca_authz_denied_total",
			Help: "認可ミドルウェアで拒否されたリクエスト数",
		}, []string{"reason"}),
		appSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bacheca_applications_submitted_total",
			Help: "受け付けた応募の合計数",
		}),
		appDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bacheca_applications_duplicate_total",
			Help: "重複として拒否された応募の合計数",
		}),
		providerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bacheca_provider_exchange_seconds",
			Help:    "IDプロバイダーとのコード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.principalCreated,
		c.roleAssigned,
		c.authzDenied,
		c.appSubmitted,
		c.appDuplicate,
		c.providerLatency,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordPrincipalCreated は主体の新規作成を記録する。
func (c *Collector) RecordPrincipalCreated() {
	c.principalCreated.Inc()
}

// RecordRoleAssigned はロール確定を記録する。
func (c *Collector) RecordRoleAssigned(role string) {
	c.roleAssigned.WithLabelValues(role).Inc()
}

// RecordAuthzDenied は認可拒否を記録する。
func (c *Collector) RecordAuthzDenied(reason string) {
	c.authzDenied.WithLabelValues(reason).Inc()
}

// RecordApplicationSubmitted は応募の受付を記録する。
func (c *Collector) RecordApplicationSubmitted() {
	c.appSubmitted.Inc()
}

// RecordDuplicateApplication は重複応募の拒否を記録する。
func (c *Collector) RecordDuplicateApplication() {
	c.appDuplicate.Inc()
}

// RecordProviderLatency はコード交換のレイテンシを記録する。
func (c *Collector) RecordProviderLatency(duration time.Duration) {
	c.providerLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordLogin(string)                  {}
func (Nop) RecordPrincipalCreated()             {}
func (Nop) RecordRoleAssigned(string)           {}
func (Nop) RecordAuthzDenied(string)            {}
func (Nop) RecordApplicationSubmitted()         {}
func (Nop) RecordDuplicateApplication()         {}
func (Nop) RecordProviderLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
