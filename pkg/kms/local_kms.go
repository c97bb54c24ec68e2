package kms

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"wallet-txengine/pkg/keystore"
	"wallet-txengine/pkg/logger"

	"go.uber.org/zap"
)

// keyEntry 内部存储结构, 包含私钥和元数据
type keyEntry struct {
	Metadata   KeyMetadata
	PrivateKey *ecdsa.PrivateKey
}

// LocalKMS 是 Keyring 的本地内存实现, 私钥只在内存中, 不对外暴露。
type LocalKMS struct {
	mu   sync.RWMutex
	keys map[common.Address]*keyEntry
}

// NewLocalKMS 创建一个空的 LocalKMS 实例。
func NewLocalKMS() *LocalKMS {
	return &LocalKMS{
		keys: make(map[common.Address]*keyEntry),
	}
}

// LoadLocalKMS 从加密的 keyring 文件加载所有账户
func LoadLocalKMS(path, password string) (*LocalKMS, error) {
	f, err := keystore.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("加载 keyring 文件失败: %w", err)
	}
	privs, err := f.DecryptAll(password)
	if err != nil {
		return nil, err
	}
	k := NewLocalKMS()
	for _, priv := range privs {
		k.ImportKey(priv)
	}
	logger.Info("Keyring loaded", zap.String("path", path), zap.Int("accounts", len(privs)))
	return k, nil
}

// CreateKey 生成一个新的 secp256k1 账户
func (kms *LocalKMS) CreateKey() (common.Address, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("生成密钥失败: %w", err)
	}
	return kms.ImportKey(priv), nil
}

// ImportKey 导入已有私钥, 返回对应地址
func (kms *LocalKMS) ImportKey(priv *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(priv.PublicKey)

	kms.mu.Lock()
	defer kms.mu.Unlock()
	kms.keys[addr] = &keyEntry{
		Metadata: KeyMetadata{
			Address:   addr,
			CreatedAt: time.Now().Unix(),
			Enabled:   true,
		},
		PrivateKey: priv,
	}
	return addr
}

// Disable 禁用账户, 之后的签名请求会被拒绝
func (kms *LocalKMS) Disable(addr common.Address) error {
	kms.mu.Lock()
	defer kms.mu.Unlock()
	entry, ok := kms.keys[addr]
	if !ok {
		return ErrKeyNotFound
	}
	entry.Metadata.Enabled = false
	return nil
}

// Accounts 按地址排序返回所有账户
func (kms *LocalKMS) Accounts() []KeyMetadata {
	kms.mu.RLock()
	defer kms.mu.RUnlock()
	out := make([]KeyMetadata, 0, len(kms.keys))
	for _, e := range kms.keys {
		out = append(out, e.Metadata)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out
}

func (kms *LocalKMS) HasAccount(addr common.Address) bool {
	kms.mu.RLock()
	defer kms.mu.RUnlock()
	e, ok := kms.keys[addr]
	return ok && e.Metadata.Enabled
}

func (kms *LocalKMS) SignHash(ctx context.Context, addr common.Address, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hash) != 32 {
		return nil, ErrInvalidHash
	}

	kms.mu.RLock()
	entry, ok := kms.keys[addr]
	kms.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	if !entry.Metadata.Enabled {
		return nil, ErrKeyDisabled
	}
	return crypto.Sign(hash, entry.PrivateKey)
}

// Verify 校验签名是否由 addr 产生
func Verify(addr common.Address, hash, sig []byte) error {
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return ErrInvalidSignature
	}
	return nil
}
