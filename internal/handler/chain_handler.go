package handler

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/handler/response"
	"wallet-txengine/internal/service/controller"
	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/wallet/types"
)

// FeeService *gasfee.Estimator 满足
type FeeService interface {
	Estimate(ctx context.Context, chainID uint64, t types.EnvelopeType) (*gasfee.FeeSuggestion, error)
}

// ChainConfigs *chain.Registry 满足
type ChainConfigs interface {
	Config(chainID uint64) (config.ChainConfig, bool)
}

// Poller *controller.Controller 满足
type Poller interface {
	Poll(ctx context.Context, chainID uint64) (*controller.PollResult, error)
}

type ChainHandler struct {
	fees   FeeService
	chains ChainConfigs
	poller Poller
}

func NewChainHandler(fees FeeService, chains ChainConfigs, poller Poller) *ChainHandler {
	return &ChainHandler{fees: fees, chains: chains, poller: poller}
}

// Fees 三档费用建议, ?type=legacy|feeMarket, 默认按链是否支持 EIP-1559
// @Router /api/v1/fees/{chain_id} [get]
func (h *ChainHandler) Fees(c *gin.Context) {
	chainID, ok := chainIDParam(c, "chain_id")
	if !ok {
		return
	}
	cfg, ok := h.chains.Config(chainID)
	if !ok {
		response.Error(c, errno.ErrUnsupportedChain.WithMessage(fmt.Sprintf("chain %d is not configured", chainID)))
		return
	}

	t := types.EnvelopeType(c.Query("type"))
	switch t {
	case "":
		t = types.EnvelopeLegacy
		if cfg.EIP1559 {
			t = types.EnvelopeFeeMarket
		}
	case types.EnvelopeLegacy, types.EnvelopeFeeMarket:
	default:
		response.Error(c, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("unknown envelope type %q", t)))
		return
	}
	if t == types.EnvelopeFeeMarket && !cfg.EIP1559 {
		response.Error(c, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("chain %d does not support EIP-1559", chainID)))
		return
	}

	s, err := h.fees.Estimate(c.Request.Context(), chainID, t)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, s)
}

// Poll 立即对账一轮, 用于运维排查
// @Router /api/v1/chains/{chain_id}/poll [post]
func (h *ChainHandler) Poll(c *gin.Context) {
	chainID, ok := chainIDParam(c, "chain_id")
	if !ok {
		return
	}
	res, err := h.poller.Poll(c.Request.Context(), chainID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
