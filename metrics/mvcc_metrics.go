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

type MVCCMetrics interface {
	SetActiveTransactions(n int)
	SetTotalVersions(n int)
	IncCleanedVersions(n int)
}

var (
	metricsMVCCActiveTxns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cabtree_mvcc_active_transactions",
		Help: "Current number of active transactions",
	})

	metricsMVCCVersions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cabtree_mvcc_versions",
		Help: "Current number of resident record versions across all chains",
	})

	metricsMVCCCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_mvcc_cleaned_versions_total",
			Help: "Total number of record versions removed by garbage collection",
		},
	)
)

var (
	_ MVCCMetrics = &prometheusMVCCMetrics{}
	_ MVCCMetrics = &nopMVCCMetrics{}
)

func NewPrometheusMVCCMetrics() MVCCMetrics {
	return &prometheusMVCCMetrics{}
}

type prometheusMVCCMetrics struct {
}

func (m *prometheusMVCCMetrics) SetActiveTransactions(n int) {
	metricsMVCCActiveTxns.Set(float64(n))
}

func (m *prometheusMVCCMetrics) SetTotalVersions(n int) {
	metricsMVCCVersions.Set(float64(n))
}

func (m *prometheusMVCCMetrics) IncCleanedVersions(n int) {
	metricsMVCCCleaned.Add(float64(n))
}

type nopMVCCMetrics struct {
}

func NewNopMVCCMetrics() MVCCMetrics {
	return &nopMVCCMetrics{}
}

func (m *nopMVCCMetrics) SetActiveTransactions(n int) {
}

func (m *nopMVCCMetrics) SetTotalVersions(n int) {
}

func (m *nopMVCCMetrics) IncCleanedVersions(n int) {
}
