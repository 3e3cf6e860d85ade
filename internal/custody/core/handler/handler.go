package handler

import (
	"net/http"
	"strconv"

	"custodex.com/internal/custody/core/service"
	"custodex.com/internal/custody/domain"
	"custodex.com/pkg/common"
	"custodex.com/pkg/xerr"
	"github.com/gin-gonic/gin"
)

// Handler 触发面: 批处理由外部调度 (cron / 手工)，服务本身不带定时器
type Handler struct {
	custody  *service.Custody
	registry *service.AddressRegistry
	ledger   domain.LedgerRepo
}

func New(custody *service.Custody, registry *service.AddressRegistry, ledger domain.LedgerRepo) *Handler {
	return &Handler{
		custody:  custody,
		registry: registry,
		ledger:   ledger,
	}
}

// RunCycle POST /api/cycle/:network
func (h *Handler) RunCycle(c *gin.Context) {
	network := c.Param("network")
	report, err := h.custody.RunCycle(c.Request.Context(), network)
	if err != nil {
		common.FailLogged(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error(), err)
		return
	}
	observeReport(report)
	common.Success(c, report)
}

type issueAddressReq struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Network string `json:"network" binding:"required"`
}

// IssueAddress POST /api/address
func (h *Handler) IssueAddress(c *gin.Context) {
	var req issueAddressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "参数错误")
		return
	}

	wallet, err := h.registry.GetOrCreate(c.Request.Context(), req.UserID, req.Network)
	if err != nil {
		common.FailLogged(c, http.StatusInternalServerError, xerr.ServerCommonError, "地址发放失败", err)
		return
	}
	common.Success(c, gin.H{
		"user_id": wallet.UserID,
		"network": wallet.Network,
		"address": wallet.Address,
	})
}

// GetBalance GET /api/balance/:uid
func (h *Handler) GetBalance(c *gin.Context) {
	uid, err := strconv.ParseInt(c.Param("uid"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "参数错误")
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), uid)
	if err != nil {
		common.FailLogged(c, http.StatusInternalServerError, xerr.ServerCommonError, "查询失败", err)
		return
	}
	common.Success(c, gin.H{
		"user_id":     balance.UserID,
		"balance_usd": balance.BalanceUsd,
	})
}

type reconcileReq struct {
	Network string `json:"network" binding:"required"`
	TxHash  string `json:"tx_hash" binding:"required"`
}

// Reconcile POST /ops/reconcile
// 单笔对账: 重新解析一笔交易并推进它的记录
func (h *Handler) Reconcile(c *gin.Context) {
	var req reconcileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "参数错误")
		return
	}

	deposits, report, err := h.custody.ReconcileTx(c.Request.Context(), req.Network, req.TxHash)
	if err != nil {
		common.FailLogged(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error(), err)
		return
	}
	observeReport(report)
	common.Success(c, gin.H{"deposits": deposits, "report": report})
}

// ReconcileAll POST /ops/reconcile-all
func (h *Handler) ReconcileAll(c *gin.Context) {
	report := h.custody.ReconcileAll(c.Request.Context())
	observeReport(report)
	common.Success(c, report)
}

// ForceSweep POST /ops/force-sweep/:network
func (h *Handler) ForceSweep(c *gin.Context) {
	network := c.Param("network")
	report, err := h.custody.ForceSweep(c.Request.Context(), network)
	if err != nil {
		common.FailLogged(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error(), err)
		return
	}
	common.Success(c, report)
}

// ForceCredit POST /ops/force-credit/:id
func (h *Handler) ForceCredit(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "参数错误")
		return
	}

	if err := h.custody.ForceCredit(c.Request.Context(), id); err != nil {
		common.FailLogged(c, http.StatusInternalServerError, xerr.ServerCommonError, err.Error(), err)
		return
	}
	common.Success(c, gin.H{"deposit_id": id})
}

type backfillReq struct {
	Network string `json:"network" binding:"required"`
	TxHash  string `json:"tx_hash" binding:"required"`
	UserID  int64  `json:"user_id" binding:"required"`
}

// Backfill POST /ops/backfill
// 扫描窗口外的历史充值人工补录
func (h *Handler) Backfill(c *gin.Context) {
	var req backfillReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, xerr.RequestParamsError, "参数错误")
		return
	}

	deposit, err := h.custody.Backfill(c.Request.Context(), req.Network, req.TxHash, req.UserID)
	if err != nil {
		common.FailLogged(c, http.StatusBadRequest, xerr.RequestParamsError, err.Error(), err)
		return
	}
	common.Success(c, deposit)
}
