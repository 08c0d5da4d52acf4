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

type WALMetrics interface {
	IncAppendedRecords()
	SetWALSize(bytes int64)
	IncCheckpoints()
	IncTruncations()
}

var (
	metricsWALAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_wal_appended_records_total",
			Help: "Total number of records appended to the write-ahead log",
		},
	)

	metricsWALSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cabtree_wal_size_bytes",
		Help: "Current size in bytes of the write-ahead log",
	})

	metricsWALCheckpoints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_wal_checkpoints_total",
			Help: "Total number of checkpoint records written to the write-ahead log",
		},
	)

	metricsWALTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_wal_truncations_total",
			Help: "Total number of write-ahead log prefix truncations",
		},
	)
)

var (
	_ WALMetrics = &prometheusWALMetrics{}
	_ WALMetrics = &nopWALMetrics{}
)

func NewPrometheusWALMetrics() WALMetrics {
	return &prometheusWALMetrics{}
}

type prometheusWALMetrics struct {
}

func (m *prometheusWALMetrics) IncAppendedRecords() {
	metricsWALAppended.Add(1)
}

func (m *prometheusWALMetrics) SetWALSize(bytes int64) {
	metricsWALSize.Set(float64(bytes))
}

func (m *prometheusWALMetrics) IncCheckpoints() {
	metricsWALCheckpoints.Add(1)
}

func (m *prometheusWALMetrics) IncTruncations() {
	metricsWALTruncations.Add(1)
}

type nopWALMetrics struct {
}

func NewNopWALMetrics() WALMetrics {
	return &nopWALMetrics{}
}

func (m *nopWALMetrics) IncAppendedRecords() {
}

func (m *nopWALMetrics) SetWALSize(bytes int64) {
}

func (m *nopWALMetrics) IncCheckpoints() {
}

func (m *nopWALMetrics) IncTruncations() {
}
