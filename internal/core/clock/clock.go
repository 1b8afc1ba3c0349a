// Package clock 提供引擎内部统一使用的时钟：自 Unix 纪元以来的微秒数
// （对应 spec 里 now() 的定义），基于挂钟时间，不是单调时钟
package clock

import "time"

// Timestamp 自 Unix 纪元以来的微秒数（挂钟时间，非单调）
type Timestamp int64

// OneSecond 与 OneMilli 是 Timestamp 的常用增量（目前仓库内没有其他包引用它们）
const (
	OneSecond Timestamp = 1_000_000
	OneMilli  Timestamp = 1_000
)

// Now 返回当前挂钟时间，微秒精度，对应 spec 里的 now()
func Now() Timestamp {
	return Timestamp(time.Now().UnixMicro())
}

// Add 返回 ts 加上 d 之后的时间戳
func (ts Timestamp) Add(d time.Duration) Timestamp {
	return ts + Timestamp(d.Microseconds())
}

// Sub 返回两个时间戳之间的差值，对应一个 time.Duration
func (ts Timestamp) Sub(other Timestamp) time.Duration {
	return time.Duration(ts-other) * time.Microsecond
}

// Before 报告 ts 是否早于 other
func (ts Timestamp) Before(other Timestamp) bool {
	return ts < other
}
