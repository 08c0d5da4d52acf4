/*
Copyright 2025 Codenotary Inc. All rights reserved.

SPDX-License-Identifier: BUSL-1.1
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://mariadb.com/bsl11/

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type WriterQueueMetrics interface {
	SetQueueDepth(n int)
	IncPersistedWrites()
	IncRetries()
	IncFailures()
}

var (
	metricsWriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cabtree_writer_queue_depth",
		Help: "Current number of dirty pages waiting in the write-back queue",
	})

	metricsWriterQueuePersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_writer_queue_persisted_total",
			Help: "Total number of queued pages persisted to the content store",
		},
	)

	metricsWriterQueueRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_writer_queue_retries_total",
			Help: "Total number of retried page persist attempts",
		},
	)

	metricsWriterQueueFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_writer_queue_failures_total",
			Help: "Total number of pages whose persist attempts were exhausted",
		},
	)
)

var (
	_ WriterQueueMetrics = &prometheusWriterQueueMetrics{}
	_ WriterQueueMetrics = &nopWriterQueueMetrics{}
)

func NewPrometheusWriterQueueMetrics() WriterQueueMetrics {
	return &prometheusWriterQueueMetrics{}
}

type prometheusWriterQueueMetrics struct {
}

func (m *prometheusWriterQueueMetrics) SetQueueDepth(n int) {
	metricsWriterQueueDepth.Set(float64(n))
}

func (m *prometheusWriterQueueMetrics) IncPersistedWrites() {
	metricsWriterQueuePersisted.Add(1)
}

func (m *prometheusWriterQueueMetrics) IncRetries() {
	metricsWriterQueueRetries.Add(1)
}

func (m *prometheusWriterQueueMetrics) IncFailures() {
	metricsWriterQueueFailures.Add(1)
}

type nopWriterQueueMetrics struct {
}

func NewNopWriterQueueMetrics() WriterQueueMetrics {
	return &nopWriterQueueMetrics{}
}

func (m *nopWriterQueueMetrics) SetQueueDepth(n int) {
}

func (m *nopWriterQueueMetrics) IncPersistedWrites() {
}

func (m *nopWriterQueueMetrics) IncRetries() {
}

func (m *nopWriterQueueMetrics) IncFailures() {
}
