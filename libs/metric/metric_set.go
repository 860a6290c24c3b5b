package metric

import (
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var (
	ErrMetricLabelExist = errors.New("metric label already exist")
)

// Source 在每次读取时产生最新的 MetricItem
type Source func() MetricItem

func NewMetricSet() *MetricSet {
	return &MetricSet{
		metrics: make(map[string]Source),
	}
}

// MetricSet 按 label 汇总各个模块的 metric
type MetricSet struct {
	mtx     sync.RWMutex
	metrics map[string]Source
}

// SetMetrics - 根据label设置对应的Metrics，如果有存在的label，则返回error
func (ms *MetricSet) SetMetrics(label string, item MetricItem) error {
	return ms.SetSource(label, func() MetricItem { return item })
}

// SetSource - 与 SetMetrics 相同，但每次读取时调用 src
func (ms *MetricSet) SetSource(label string, src Source) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()

	if _, existed := ms.metrics[label]; existed {
		return errors.Wrapf(ErrMetricLabelExist, "%s", label)
	}
	ms.metrics[label] = src
	return nil
}

func (ms *MetricSet) RemoveMetrics(label string) {
	ms.mtx.Lock()
	delete(ms.metrics, label)
	ms.mtx.Unlock()
}

func (ms *MetricSet) HasMetrics(label string) bool {
	ms.mtx.RLock()
	_, existed := ms.metrics[label]
	ms.mtx.RUnlock()
	return existed
}

func (ms *MetricSet) GetMetrics(label string) MetricItem {
	ms.mtx.RLock()
	src, ok := ms.metrics[label]
	ms.mtx.RUnlock()

	if !ok {
		return nil
	}
	return src()
}

// GetAlllabels 返回排好序的所有 label
func (ms *MetricSet) GetAlllabels() []string {
	ms.mtx.RLock()
	keys := make([]string, 0, len(ms.metrics))
	for k := range ms.metrics {
		keys = append(keys, k)
	}
	ms.mtx.RUnlock()

	sort.Strings(keys)
	return keys
}

func (ms *MetricSet) GetAllMetrics() []MetricItem {
	labels := ms.GetAlllabels()
	vals := make([]MetricItem, 0, len(labels))
	for _, label := range labels {
		if item := ms.GetMetrics(label); item != nil {
			vals = append(vals, item)
		}
	}
	return vals
}

// JSONString 把所有 metric 合成一个 JSON 对象 {label: metric}
func (ms *MetricSet) JSONString() string {
	all := make(map[string]jsoniter.RawMessage)
	for _, label := range ms.GetAlllabels() {
		if item := ms.GetMetrics(label); item != nil {
			all[label] = jsoniter.RawMessage(item.JSONString())
		}
	}
	s, _ := jsoniter.MarshalToString(all)
	return s
}
