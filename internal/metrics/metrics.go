// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理とブラウザハブから利用する。
type MetricsCollector interface {
	RecordSessionEvent(kind string)
	RecordRedirect(target string)
	RecordSignIn(provider, result string)
	RecordSignOut(result string)
	RecordSessionResolved(elapsed time.Duration)
	RecordReadyTimeout()
	SetBrowserClients(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionEvents  *prometheus.CounterVec
	redirects      *prometheus.CounterVec
	signIns        *prometheus.CounterVec
	signOuts       *prometheus.CounterVec
	resolveLatency prometheus.Histogram
	readyTimeouts  prometheus.Counter
	browserClients prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authportal_session_events_total",
			Help: "種別ごとのセッション変更イベント数",
		}, []string{"kind"}),
		redirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authportal_redirects_total",
			Help: "遷移先ごとのリダイレクト指示数",
		}, []string{"target"}),
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authportal_sign_in_total",
			Help: "プロバイダーと結果ごとのサインイン開始数",
		}, []string{"provider", "result"}),
		signOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authportal_sign_out_total",
			Help: "結果ごとのサインアウト数",
		}, []string{"result"}),
		resolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authportal_session_resolve_seconds",
			Help:    "購読開始から初回イベント処理までの時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		readyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authportal_session_ready_timeouts_total",
			Help: "セッション状態が待機時間内に確定しなかった回数",
		}),
		browserClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authportal_browser_clients",
			Help: "接続中のページ数",
		}),
	}

	reg.MustRegister(
		c.sessionEvents,
		c.redirects,
		c.signIns,
		c.signOuts,
		c.resolveLatency,
		c.readyTimeouts,
		c.browserClients,
	)

	return c
}

// RecordSessionEvent はセッション変更イベントを記録する。
func (c *Collector) RecordSessionEvent(kind string) {
	c.sessionEvents.WithLabelValues(kind).Inc()
}

// RecordRedirect はリダイレクト指示を記録する。
func (c *Collector) RecordRedirect(target string) {
	c.redirects.WithLabelValues(target).Inc()
}

// RecordSignIn はサインイン開始の結果を記録する。
func (c *Collector) RecordSignIn(provider, result string) {
	c.signIns.WithLabelValues(provider, result).Inc()
}

// RecordSignOut はサインアウトの結果を記録する。
func (c *Collector) RecordSignOut(result string) {
	c.signOuts.WithLabelValues(result).Inc()
}

// RecordSessionResolved は初回イベント処理までの時間を記録する。
func (c *Collector) RecordSessionResolved(elapsed time.Duration) {
	c.resolveLatency.Observe(elapsed.Seconds())
}

// RecordReadyTimeout はセッション状態の確定待ちのタイムアウトを記録する。
func (c *Collector) RecordReadyTimeout() {
	c.readyTimeouts.Inc()
}

// SetBrowserClients は接続中のページ数を設定する。
func (c *Collector) SetBrowserClients(n int) {
	c.browserClients.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
