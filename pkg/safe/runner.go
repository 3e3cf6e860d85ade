package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"custodex.com/pkg/logger"
	"go.uber.org/zap"
)

// Go 安全启动协程
// 批处理阶段都跑在后台协程里，单个 panic 不能拖垮整个服务
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())

				if logger.Log != nil {
					logger.Error(context.Background(), "🚨 GOROUTINE PANIC RECOVERED",
						zap.Any("panic", r),
						zap.String("stack", stack),
					)
				} else {
					fmt.Printf("🚨 GOROUTINE PANIC: %v\nStack: %s\n", r, stack)
				}
			}
		}()

		fn()
	}()
}
