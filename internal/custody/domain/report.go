package domain

import (
	"fmt"
	"time"
)

// CycleReport 单轮批处理的结构化统计
// 单条坏数据只进 Errors，绝不中断整批
type CycleReport struct {
	Network      string    `json:"network"`
	Detected     int       `json:"detected"`
	Confirmed    int       `json:"confirmed"`
	BelowMinimum int       `json:"below_minimum"`
	Credited     int       `json:"credited"`
	Swept        int       `json:"swept"`
	Skipped      int       `json:"skipped"`
	Errors       []string  `json:"errors"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

func NewCycleReport(network string) *CycleReport {
	return &CycleReport{
		Network:   network,
		Errors:    make([]string, 0),
		StartedAt: time.Now(),
	}
}

func (r *CycleReport) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *CycleReport) Merge(other *CycleReport) {
	if other == nil {
		return
	}
	r.Detected += other.Detected
	r.Confirmed += other.Confirmed
	r.BelowMinimum += other.BelowMinimum
	r.Credited += other.Credited
	r.Swept += other.Swept
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}
