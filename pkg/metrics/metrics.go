package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		SearchDuration, SearchResults, SearchTotal,
		FeedbackTotal,
		IndexVectors, IndexPersistTotal,
		IngestItemsTotal,
	)
}

// SearchDuration 检索请求耗时（秒）
var SearchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "vsearch_search_duration_seconds",
		Help:    "检索请求耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"stage"}, // total | index | filter | modifier | blend
)

// SearchResults 截断前的候选数
var SearchResults = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "vsearch_search_results",
		Help:    "截断前的候选数",
		Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
	},
)

// SearchTotal 检索请求数（按结果）
var SearchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vsearch_search_total",
		Help: "检索请求数",
	},
	[]string{"outcome"}, // ok | empty | error
)

// FeedbackTotal 反馈事件数
var FeedbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vsearch_feedback_total",
		Help: "反馈事件数",
	},
	[]string{"relevant"}, // true | false
)

// IndexVectors 当前索引中的向量数
var IndexVectors = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "vsearch_index_vectors",
		Help: "当前索引中的向量数",
	},
)

// IndexPersistTotal 索引持久化次数（按状态）
var IndexPersistTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vsearch_index_persist_total",
		Help: "索引持久化次数",
	},
	[]string{"status"}, // ok | failed
)

// IngestItemsTotal 入库商品数（按状态）
var IngestItemsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "vsearch_ingest_items_total",
		Help: "入库商品数",
	},
	[]string{"status"}, // indexed | skipped | failed
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
