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

type ContentStoreMetrics interface {
	IncStoredPages()
	IncDedupHits()
	IncPersistedPages()
}

var (
	metricsContentStoreStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_content_store_pages_total",
			Help: "Total number of unique page contents assigned a page id",
		},
	)

	metricsContentStoreDedup = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_content_store_dedup_hits_total",
			Help: "Total number of stores resolved to an already resident page content",
		},
	)

	metricsContentStorePersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_content_store_persisted_pages_total",
			Help: "Total number of page contents appended to the durable segment",
		},
	)
)

var (
	_ ContentStoreMetrics = &prometheusContentStoreMetrics{}
	_ ContentStoreMetrics = &nopContentStoreMetrics{}
)

func NewPrometheusContentStoreMetrics() ContentStoreMetrics {
	return &prometheusContentStoreMetrics{}
}

type prometheusContentStoreMetrics struct {
}

func (m *prometheusContentStoreMetrics) IncStoredPages() {
	metricsContentStoreStored.Add(1)
}

func (m *prometheusContentStoreMetrics) IncDedupHits() {
	metricsContentStoreDedup.Add(1)
}

func (m *prometheusContentStoreMetrics) IncPersistedPages() {
	metricsContentStorePersisted.Add(1)
}

type nopContentStoreMetrics struct {
}

func NewNopContentStoreMetrics() ContentStoreMetrics {
	return &nopContentStoreMetrics{}
}

func (m *nopContentStoreMetrics) IncStoredPages() {
}

func (m *nopContentStoreMetrics) IncDedupHits() {
}

func (m *nopContentStoreMetrics) IncPersistedPages() {
}
