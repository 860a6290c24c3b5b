package utils

import (
	"math"
	"sort"
)

func Max(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := data[0]
	for _, datum := range data {
		if datum > res {
			res = datum
		}
	}
	return res
}

func Min(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := data[0]
	for _, datum := range data {
		if datum < res {
			res = datum
		}
	}
	return res
}

// Median 不会修改 data
func Median(data ...float64) float64 {
	return Percentile(50, data...)
}

func Avg(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	res := 0.0
	for _, datum := range data {
		res += datum
	}

	return res / float64(len(data))
}

// Percentile 使用线性插值计算第 p 百分位数，p 取 [0, 100]
func Percentile(p float64, data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	p = math.Max(0, math.Min(100, p))
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

// StdDev 返回总体标准差
func StdDev(data ...float64) float64 {
	if len(data) == 0 {
		return -1.0
	}

	avg := Avg(data...)
	sum := 0.0
	for _, datum := range data {
		sum += (datum - avg) * (datum - avg)
	}
	return math.Sqrt(sum / float64(len(data)))
}
