package handler

import (
	"net/http"
	"time"

	"custodex.com/internal/custody/config"
	"custodex.com/pkg/middleware"
	"custodex.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
)

func NewRouter(cfg *config.Config, h *Handler) *http.Server {
	// 限流
	store := ratelimit.NewStore(50, 100, 10*time.Minute)
	// 监控
	r := gin.New()
	p := ginprom.NewPrometheus("custody")
	p.Use(r)
	r.Use(
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
		middleware.RateLimit(store),
	)

	api := r.Group("/api")
	{
		// 批次触发也是调度面，同样走共享密钥
		api.POST("/cycle/:network", middleware.SharedSecret(cfg.Http.SharedSecret), h.RunCycle)
		api.POST("/address", h.IssueAddress)
		api.GET("/balance/:uid", h.GetBalance)
	}

	// 运维接口走共享密钥鉴权
	ops := r.Group("/ops", middleware.SharedSecret(cfg.Http.SharedSecret))
	{
		ops.POST("/reconcile", h.Reconcile)
		ops.POST("/reconcile-all", h.ReconcileAll)
		ops.POST("/force-sweep/:network", h.ForceSweep)
		ops.POST("/force-credit/:id", h.ForceCredit)
		ops.POST("/backfill", h.Backfill)
	}

	return &http.Server{
		Addr:           cfg.Http.Addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   120 * time.Second, // 批处理接口可能要跑一会儿
		MaxHeaderBytes: 1 << 20,
	}
}
