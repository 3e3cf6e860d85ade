package backoff

import (
	"math"
	"time"
)

// Policy 指数退避策略 (值对象，无状态)
// 确认阶段和各链适配器共用，取代散落的 sleep 重试循环
type Policy struct {
	MaxAttempts int           // 超过后不再自动重试，留给人工介入
	BaseDelay   time.Duration // 第一次重试的间隔
	Multiplier  float64       // 每次翻倍系数
	Cap         time.Duration // 间隔上限
}

// Default 确认阶段的缺省策略: 1min 起步，翻倍，封顶 60min
func Default() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Minute,
		Multiplier:  2,
		Cap:         60 * time.Minute,
	}
}

// Delay 第 attempt 次失败后的等待时长 (attempt 从 1 开始计)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Cap) || d < 0 {
		return p.Cap
	}
	return time.Duration(d)
}

// NextRetryAt 下一次可被批处理捞起的时间
func (p Policy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}

// Exhausted 是否重试次数用尽
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// FeeBump 同 nonce 提价重广播策略
// 费率市场波动导致 "replacement underpriced" 一类拒绝时使用
type FeeBump struct {
	MaxAttempts int           // 重广播次数上限
	BumpPercent int64         // 每次提价百分比
	Delay       time.Duration // 两次广播之间的固定间隔
}

// DefaultFeeBump 缺省: 提价 15%，最多 4 次，间隔 3s
func DefaultFeeBump() FeeBump {
	return FeeBump{
		MaxAttempts: 4,
		BumpPercent: 15,
		Delay:       3 * time.Second,
	}
}
