// Package metrics 以 Prometheus 指标导出 EAP-SIM/AKA 会话事件
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/iniwex5/simaka-go/pkg/peer"
)

const (
	namespace = "simaka"
	subsystem = "peer"
)

const (
	labelMethod  = "method"
	labelKind    = "kind"
	labelResult  = "result"
	labelCode    = "code"
	labelOutcome = "outcome"
)

// Collector 实现 peer.Observer
type Collector struct {
	// AuthResults 按方法、认证类型 (full/reauth) 与结果计数
	AuthResults *prometheus.CounterVec

	// ClientErrors 统计发送的 EAP-Response/Client-Error
	ClientErrors *prometheus.CounterVec

	// Notifications 统计收到的 AT_NOTIFICATION
	Notifications *prometheus.CounterVec
}

var _ peer.Observer = (*Collector)(nil)

// NewCollector 创建并注册指标。reg 为 nil 时使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newMetrics()
	reg.MustRegister(c.AuthResults, c.ClientErrors, c.Notifications)
	return c
}

func newMetrics() *Collector {
	return &Collector{
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_total",
			Help:      "EAP-SIM/AKA authentication outcomes.",
		}, []string{labelMethod, labelKind, labelResult}),

		ClientErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_errors_total",
			Help:      "EAP-Response/Client-Error messages sent (RFC 4186 §9.9).",
		}, []string{labelMethod, labelCode}),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_total",
			Help:      "AT_NOTIFICATION messages received.",
		}, []string{labelMethod, labelOutcome}),
	}
}

func (c *Collector) OnAuthResult(method, kind, result string) {
	c.AuthResults.WithLabelValues(method, kind, result).Inc()
}

func (c *Collector) OnClientError(method string, code uint16) {
	c.ClientErrors.WithLabelValues(method, strconv.Itoa(int(code))).Inc()
}

func (c *Collector) OnNotification(method string, outcome peer.NotificationOutcome) {
	c.Notifications.WithLabelValues(method, outcome.String()).Inc()
}
