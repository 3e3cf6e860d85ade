package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"custodex.com/internal/custody/config"
	"custodex.com/pkg/logger"
	"custodex.com/pkg/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
	logger.Init("custody-handler-test", "info")
}

func TestRouter_SharedSecretGuard(t *testing.T) {
	cfg := &config.Config{}
	cfg.Http.Addr = ":0"
	cfg.Http.SharedSecret = "topsecret"
	srv := NewRouter(cfg, &Handler{})

	// 调度面和运维面没带密钥都进不来
	for _, path := range []string{"/api/cycle/ETH", "/ops/reconcile", "/ops/force-sweep/ETH"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		srv.Handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	// 密钥不对同样拒绝
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cycle/ETH", nil)
	req.Header.Set(middleware.HeaderSharedSecret, "wrong")
	srv.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
