package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

const namespace = "meeting_snapshot"

// Collector はパイプラインの Prometheus 指標を収集する。
// retry.Observer, transcript.CacheObserver, snapshot.RunObserver, snapshot.JobObserver を実装する。
type Collector struct {
	registry *prometheus.Registry

	llmAttempts *prometheus.CounterVec
	llmRetries  *prometheus.CounterVec
	llmBackoff  prometheus.Histogram

	cacheLookups   *prometheus.CounterVec
	cacheEvictions prometheus.Counter

	stageDuration     *prometheus.HistogramVec
	sectionConfidence *prometheus.HistogramVec
	sectionFailures   *prometheus.CounterVec
	improvementRounds prometheus.Histogram

	jobsFinished *prometheus.CounterVec
	jobDuration  prometheus.Histogram
}

// NewCollector は新しい指標収集器を作成し、専用のレジストリに登録する
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		llmAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Total number of upstream call attempts by operation and result",
		}, []string{"op", "result"}),
		llmRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Total number of scheduled retries by operation",
		}, []string{"op"}),
		llmBackoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_backoff_seconds",
			Help:      "Backoff delay before each retry",
			Buckets:   []float64{0.1, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_cache_lookups_total",
			Help:      "Transcript cache lookups by result",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_cache_evictions_total",
			Help:      "Transcript cache capacity evictions",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration by stage and result",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "result"}),
		sectionConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "section_confidence",
			Help:      "Confidence score of generated sections",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"section"}),
		sectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "section_failures_total",
			Help:      "Sections whose generation failed terminally",
		}, []string{"section"}),
		improvementRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "improvement_round_sections",
			Help:      "Number of sections regenerated per improvement round",
			Buckets:   prometheus.LinearBuckets(1, 1, 11),
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal or paused state by status and error class",
		}, []string{"status", "class"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to a terminal or paused state",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	c.registry.MustRegister(
		c.llmAttempts, c.llmRetries, c.llmBackoff,
		c.cacheLookups, c.cacheEvictions,
		c.stageDuration, c.sectionConfidence, c.sectionFailures, c.improvementRounds,
		c.jobsFinished, c.jobDuration,
	)

	return c
}

// Registry は指標を登録したレジストリを返す
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler は /metrics 用の HTTP ハンドラを返す
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt は上流呼び出しの試行結果を記録する
func (c *Collector) ObserveAttempt(op string, attempt int, err error, delay time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.llmAttempts.WithLabelValues(op, result).Inc()

	if delay > 0 {
		c.llmRetries.WithLabelValues(op).Inc()
		c.llmBackoff.Observe(delay.Seconds())
	}
}

// ObserveCacheLookup はキャッシュ参照の結果を記録する
func (c *Collector) ObserveCacheLookup(hit bool) {
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveCacheEviction は容量超過による追い出しを記録する
func (c *Collector) ObserveCacheEviction() {
	c.cacheEvictions.Inc()
}

// ObserveStage はステージの所要時間を記録する
func (c *Collector) ObserveStage(stage snapshot.Stage, elapsed time.Duration, err error) {
	result := "success"
	if err != nil {
		result = string(snapshot.Classify(err))
	}
	c.stageDuration.WithLabelValues(string(stage), result).Observe(elapsed.Seconds())
}

// ObserveSection は生成されたセクションの信頼度を記録する
func (c *Collector) ObserveSection(result snapshot.SectionResult) {
	section := string(result.Section)
	c.sectionConfidence.WithLabelValues(section).Observe(result.Confidence)
	if result.Failed {
		c.sectionFailures.WithLabelValues(section).Inc()
	}
}

// ObserveImprovementRound は改善ラウンドの対象セクション数を記録する
func (c *Collector) ObserveImprovementRound(round int, sections int) {
	c.improvementRounds.Observe(float64(sections))
}

// ObserveJob はジョブの終了（または入力待ち）を記録する
func (c *Collector) ObserveJob(status snapshot.JobStatus, class snapshot.ErrorClass, elapsed time.Duration) {
	c.jobsFinished.WithLabelValues(string(status), string(class)).Inc()
	c.jobDuration.Observe(elapsed.Seconds())
}
