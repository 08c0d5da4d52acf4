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

type PageCacheMetrics interface {
	SetCacheCapacity(pages int)
	IncHits()
	IncMisses()
	IncEvictions()
	IncDirtyWritebacks()
}

var (
	metricsPageCacheCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cabtree_page_cache_capacity_pages",
		Help: "Configured capacity of the page cache in pages",
	})

	metricsPageCacheHit = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_page_cache_hits_total",
			Help: "Total number of page cache hits when retrieving a B+Tree page",
		},
	)

	metricsPageCacheMiss = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_page_cache_misses_total",
			Help: "Total number of page cache misses resolved through the content store",
		},
	)

	metricsPageCacheEvict = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_page_cache_evictions_total",
			Help: "Total number of pages evicted from the page cache",
		},
	)

	metricsPageCacheDirtyWriteback = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cabtree_page_cache_dirty_writebacks_total",
			Help: "Total number of dirty pages written through to the content store on eviction",
		},
	)
)

var (
	_ PageCacheMetrics = &prometheusPageCacheMetrics{}
	_ PageCacheMetrics = &nopPageCacheMetrics{}
)

func NewPrometheusPageCacheMetrics() PageCacheMetrics {
	return &prometheusPageCacheMetrics{}
}

type prometheusPageCacheMetrics struct {
}

func (m *prometheusPageCacheMetrics) SetCacheCapacity(pages int) {
	metricsPageCacheCapacity.Set(float64(pages))
}

func (m *prometheusPageCacheMetrics) IncHits() {
	metricsPageCacheHit.Add(1)
}

func (m *prometheusPageCacheMetrics) IncMisses() {
	metricsPageCacheMiss.Add(1)
}

func (m *prometheusPageCacheMetrics) IncEvictions() {
	metricsPageCacheEvict.Add(1)
}

func (m *prometheusPageCacheMetrics) IncDirtyWritebacks() {
	metricsPageCacheDirtyWriteback.Add(1)
}

type nopPageCacheMetrics struct {
}

func NewNopPageCacheMetrics() PageCacheMetrics {
	return &nopPageCacheMetrics{}
}

func (m *nopPageCacheMetrics) SetCacheCapacity(pages int) {
}

func (m *nopPageCacheMetrics) IncHits() {
}

func (m *nopPageCacheMetrics) IncMisses() {
}

func (m *nopPageCacheMetrics) IncEvictions() {
}

func (m *nopPageCacheMetrics) IncDirtyWritebacks() {
}
