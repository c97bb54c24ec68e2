package handler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"wallet-txengine/internal/handler/request"
	"wallet-txengine/internal/handler/response"
	"wallet-txengine/internal/service/controller"
	"wallet-txengine/internal/service/upgrade"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
)

// AccountService EIP-7702 升级和 EIP-5792 查询依赖的 controller 能力
type AccountService interface {
	RequestAccountUpgrade(ctx context.Context, account common.Address, chainID uint64) (*upgrade.UpgradeDecision, error)
	RecordUpgradeDecision(ctx context.Context, account common.Address, chainID uint64, accepted bool) (*upgrade.UpgradeDecision, error)
	UpgradeDecision(ctx context.Context, account common.Address, chainID uint64) (*upgrade.UpgradeDecision, error)
	GetCallsStatus(ctx context.Context, id string) (*controller.CallsStatus, error)
	Capabilities(ctx context.Context, account common.Address, chainIDs []uint64) (map[string]controller.ChainCapabilities, error)
}

// 排队等待用户决定的最长时间
const upgradePromptTimeout = 10 * time.Minute

type AccountHandler struct {
	svc AccountService
}

func NewAccountHandler(svc AccountService) *AccountHandler {
	return &AccountHandler{svc: svc}
}

// Upgrade 记录升级决定. 未带 accepted 时放入审批队列, 立即返回
// @Router /api/v1/upgrades [post]
func (h *AccountHandler) Upgrade(c *gin.Context) {
	var req request.UpgradeRequest
	if !bindJSON(c, &req) {
		return
	}
	account := common.HexToAddress(req.Account)

	if req.Accepted != nil {
		d, err := h.svc.RecordUpgradeDecision(c.Request.Context(), account, req.ChainID, *req.Accepted)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, d)
		return
	}

	// 已有决定时直接返回
	d, err := h.svc.UpgradeDecision(c.Request.Context(), account, req.ChainID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if d != nil {
		response.Success(c, d)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), upgradePromptTimeout)
		defer cancel()
		if _, err := h.svc.RequestAccountUpgrade(ctx, account, req.ChainID); err != nil {
			logger.Warn("upgrade prompt failed",
				zap.String("account", account.Hex()),
				zap.Uint64("chain_id", req.ChainID),
				zap.Error(err))
		}
	}()
	response.Success(c, gin.H{"account": account, "chainId": req.ChainID, "decision": "pending"})
}

// @Router /api/v1/upgrades/{chain_id}/{account} [get]
func (h *AccountHandler) GetUpgrade(c *gin.Context) {
	chainID, ok := chainIDParam(c, "chain_id")
	if !ok {
		return
	}
	account, ok := addressParam(c, "account")
	if !ok {
		return
	}
	d, err := h.svc.UpgradeDecision(c.Request.Context(), account, chainID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if d == nil {
		response.Success(c, gin.H{"account": account, "chainId": chainID, "decision": "none"})
		return
	}
	response.Success(c, d)
}

// CallsStatus wallet_getCallsStatus
// @Router /api/v1/calls/{id}/status [get]
func (h *AccountHandler) CallsStatus(c *gin.Context) {
	st, err := h.svc.GetCallsStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, st)
}

// Capabilities wallet_getCapabilities, ?chains=0x1,10 限定链
// @Router /api/v1/capabilities/{account} [get]
func (h *AccountHandler) Capabilities(c *gin.Context) {
	account, ok := addressParam(c, "account")
	if !ok {
		return
	}
	var chainIDs []uint64
	if raw := c.Query("chains"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			base := 10
			if strings.HasPrefix(part, "0x") {
				part, base = part[2:], 16
			}
			id, err := strconv.ParseUint(part, base, 64)
			if err != nil {
				response.Error(c, errno.ErrInvalidParams.WithMessage("invalid chains query"))
				return
			}
			chainIDs = append(chainIDs, id)
		}
	}
	caps, err := h.svc.Capabilities(c.Request.Context(), account, chainIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, caps)
}
