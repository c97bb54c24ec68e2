package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// BroadcastErrorKind 广播错误分类
type BroadcastErrorKind string

const (
	// 节点已经有这笔交易, 视为成功
	KindKnown BroadcastErrorKind = "known"
	// nonce 与链上不一致, 需要 resync
	KindNonce BroadcastErrorKind = "nonce"
	// 节点明确拒绝, 交易没有进入内存池
	KindRejected BroadcastErrorKind = "rejected"
	// 网络错误, 交易可能已经发出
	KindTransport BroadcastErrorKind = "transport"
)

var knownMessages = []string{
	"known transaction",
	"already known",
	"already imported",
}

var nonceMessages = []string{
	"nonce too low",
	"nonce too high",
}

// ClassifyBroadcastError 根据 eth_sendRawTransaction 的错误判断交易是否可能已广播
func ClassifyBroadcastError(err error) BroadcastErrorKind {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	for _, m := range knownMessages {
		if strings.Contains(msg, m) {
			return KindKnown
		}
	}
	for _, m := range nonceMessages {
		if strings.Contains(msg, m) {
			return KindNonce
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return KindRejected
	}
	return KindTransport
}

// IsNotFound 判断 receipt 查询是否只是尚未上链
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ethereum.NotFound) || strings.Contains(err.Error(), "not found"))
}
