package kms

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// KeyMetadata 账户元数据, 不包含私钥
type KeyMetadata struct {
	Address   common.Address `json:"address"`
	CreatedAt int64          `json:"created_at"`
	Enabled   bool           `json:"enabled"`
}

// Keyring 定义了交易引擎需要的签名能力。
// 私钥永远不会离开 Keyring 的边界, 后续可以替换为 HSM 或云端 KMS。
type Keyring interface {
	// HasAccount 判断账户是否由本 Keyring 管理
	HasAccount(addr common.Address) bool

	// SignHash 对 32 字节哈希签名, 返回 65 字节 [R || S || V] 签名, V 为 0/1
	SignHash(ctx context.Context, addr common.Address, hash []byte) ([]byte, error)
}

var (
	ErrKeyNotFound      = errors.New("密钥未找到")
	ErrKeyDisabled      = errors.New("密钥已禁用")
	ErrInvalidHash      = errors.New("待签名哈希长度必须为 32 字节")
	ErrInvalidSignature = errors.New("签名无效")
)
