package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"wallet-txengine/internal/handler/response"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/validator"
)

// bindJSON 绑定失败时直接写回错误响应
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, errBind(err))
		return false
	}
	return true
}

func chainIDParam(c *gin.Context, name string) (uint64, bool) {
	raw := c.Param(name)
	var (
		id  uint64
		err error
	)
	if strings.HasPrefix(raw, "0x") {
		id, err = strconv.ParseUint(raw[2:], 16, 64)
	} else {
		id, err = strconv.ParseUint(raw, 10, 64)
	}
	if err != nil || id == 0 {
		response.Error(c, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("invalid %s %q", name, raw)))
		return 0, false
	}
	return id, true
}

func addressParam(c *gin.Context, name string) (common.Address, bool) {
	raw := c.Param(name)
	if !common.IsHexAddress(raw) {
		response.Error(c, errno.ErrInvalidParams.WithMessage(fmt.Sprintf("invalid %s %q", name, raw)))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func errBind(err error) error {
	return errno.ErrBind.WithMessage(validator.GetErrorMsg(err))
}
