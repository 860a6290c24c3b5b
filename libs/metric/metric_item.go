package metric

import (
	jsoniter "github.com/json-iterator/go"
)

// MetricItem - 一个独立的metric模块对应一个MetricItem
// 各个共识引擎的 Metric() 返回的快照都实现了这个接口
type MetricItem interface {
	JSONString() string
}

// JSONItem 把任意可以序列化的值包装成 MetricItem
type JSONItem struct {
	Value interface{}
}

func (item JSONItem) JSONString() string {
	s, err := jsoniter.MarshalToString(item.Value)
	if err != nil {
		return "null"
	}
	return s
}
