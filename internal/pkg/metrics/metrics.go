// Package metrics 注册进程内的 Prometheus 指标，/metrics 由 bootstrap 暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "flashmart"

var (
	// LedgerOps 缓存侧库存操作，result: ok / insufficient / duplicate / compensated / error
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Cache ledger operations by pool, change type and result.",
	}, []string{"pool", "change", "result"})

	// RelayOutcomes 对账中继结果，result: applied / duplicate / conflict / rejected / error
	RelayOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_outcomes_total",
		Help:      "Inventory delta relay outcomes.",
	}, []string{"pool", "result"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Messages moved to a dead letter topic. Any increase should page someone.",
	}, []string{"topic"})

	StockDrift = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stock_drift_corrections_total",
		Help:      "Cache counters re-asserted from the durable store.",
	}, []string{"pool"})

	LockAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquire_total",
		Help:      "Distributed mutex acquisitions by backend and result.",
	}, []string{"backend", "result"})

	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transitions_total",
		Help:      "Order status transitions.",
	}, []string{"to"})
)
