package validator

import (
	"math/big"
	"strings"
)

// ParseBig 解析十进制或 0x 前缀的十六进制非负整数
func ParseBig(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
