// Package metrics はジョブパイプラインのPrometheusメトリクスを提供します。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はジョブとステージの計測値を記録します。
type Recorder struct {
	jobsStarted   prometheus.Counter
	jobsSucceeded prometheus.Counter
	jobsFailed    prometheus.Counter
	claimsLost    prometheus.Counter
	stageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewRecorder は Recorder を作成し、専用レジストリへ登録します。
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pultimate_jobs_started_total",
			Help: "Number of rebuild jobs claimed for execution.",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pultimate_jobs_succeeded_total",
			Help: "Number of rebuild jobs that reached SUCCEEDED.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pultimate_jobs_failed_total",
			Help: "Number of rebuild jobs that reached FAILED.",
		}),
		claimsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pultimate_job_claims_lost_total",
			Help: "Number of claim attempts that lost the QUEUED to RUNNING race.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pultimate_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		registry: registry,
	}
	registry.MustRegister(r.jobsStarted, r.jobsSucceeded, r.jobsFailed, r.claimsLost, r.stageDuration)
	return r
}

// JobStarted はジョブのクレーム成功を記録します。
func (r *Recorder) JobStarted() { r.jobsStarted.Inc() }

// JobSucceeded はジョブの成功終了を記録します。
func (r *Recorder) JobSucceeded() { r.jobsSucceeded.Inc() }

// JobFailed はジョブの失敗終了を記録します。
func (r *Recorder) JobFailed() { r.jobsFailed.Inc() }

// ClaimLost はクレーム競争の敗北を記録します。異常ではなく想定上の事象です。
func (r *Recorder) ClaimLost() { r.claimsLost.Inc() }

// ObserveStage はステージの実行時間を記録します。
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler は /metrics 用のHTTPハンドラーを返します。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
