package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"golang.org/x/crypto/scrypt"
)

// ErrMACMismatch 密码错误或文件损坏
var ErrMACMismatch = errors.New("invalid password or corrupted data (MAC mismatch)")

// EncryptedKeyJSON 单个私钥的加密结构, 字段风格参考 Ethereum Keystore V3
type EncryptedKeyJSON struct {
	Address string     `json:"address"`
	Crypto  CryptoJSON `json:"crypto"`
	Id      string     `json:"id"`
	Version int        `json:"version"`
}

type CryptoJSON struct {
	Cipher       string       `json:"cipher"`
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf"`
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac"`
}

type CipherParams struct {
	IV string `json:"iv"`
}

type KDFParams struct {
	DKLen int    `json:"dklen"`
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	Salt  string `json:"salt"`
}

// ScryptParams 加密强度. 测试中可以使用 LightScrypt 加快速度
type ScryptParams struct {
	N int
	P int
}

var (
	StandardScrypt = ScryptParams{N: 262144, P: 1}
	LightScrypt    = ScryptParams{N: 4096, P: 6}
)

const (
	scryptR     = 8
	scryptDKLen = 32
)

// KeyringFile 本地签名服务使用的文件, 可以包含多个账户
type KeyringFile struct {
	Version int                 `json:"version"`
	Keys    []*EncryptedKeyJSON `json:"keys"`
}

// EncryptKey 使用密码加密一个 secp256k1 私钥
func EncryptKey(key *ecdsa.PrivateKey, password string, params ScryptParams) (*EncryptedKeyJSON, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	// DKLen=32 直接用作 AES-256-GCM 的 Key, MAC 另外计算
	derivedKey, err := scrypt.Key([]byte(password), salt, params.N, scryptR, params.P, scryptDKLen)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, crypto.FromECDSA(key), nil)
	mac := sha256.Sum256(append(append([]byte{}, derivedKey...), ciphertext...))

	return &EncryptedKeyJSON{
		Address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Version: 3,
		Id:      uuid.NewString(),
		Crypto: CryptoJSON{
			Cipher:       "aes-256-gcm",
			CipherText:   hex.EncodeToString(ciphertext),
			CipherParams: CipherParams{IV: hex.EncodeToString(nonce)},
			KDF:          "scrypt",
			KDFParams: KDFParams{
				DKLen: scryptDKLen,
				N:     params.N,
				R:     scryptR,
				P:     params.P,
				Salt:  hex.EncodeToString(salt),
			},
			MAC: hex.EncodeToString(mac[:]),
		},
	}, nil
}

// DecryptKey 解密得到私钥, 并校验地址与记录一致
func DecryptKey(keyJSON *EncryptedKeyJSON, password string) (*ecdsa.PrivateKey, error) {
	salt, err := hex.DecodeString(keyJSON.Crypto.KDFParams.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt: %w", err)
	}
	nonce, err := hex.DecodeString(keyJSON.Crypto.CipherParams.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid iv: %w", err)
	}
	ciphertext, err := hex.DecodeString(keyJSON.Crypto.CipherText)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}
	mac, err := hex.DecodeString(keyJSON.Crypto.MAC)
	if err != nil {
		return nil, fmt.Errorf("invalid mac: %w", err)
	}

	p := keyJSON.Crypto.KDFParams
	derivedKey, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.DKLen)
	if err != nil {
		return nil, err
	}

	calculatedMAC := sha256.Sum256(append(append([]byte{}, derivedKey...), ciphertext...))
	if subtle.ConstantTimeCompare(mac, calculatedMAC[:]) != 1 {
		return nil, ErrMACMismatch
	}

	gcm, err := newGCM(derivedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	key, err := crypto.ToECDSA(plaintext)
	if err != nil {
		return nil, err
	}
	if keyJSON.Address != "" && crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(keyJSON.Address) {
		return nil, fmt.Errorf("keystore address mismatch: %s", keyJSON.Address)
	}
	return key, nil
}

// DecryptAll 解密文件中的所有私钥
func (f *KeyringFile) DecryptAll(password string) ([]*ecdsa.PrivateKey, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(f.Keys))
	for _, k := range f.Keys {
		key, err := DecryptKey(k, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s: %w", k.Address, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Add 追加一个账户, 地址重复时覆盖
func (f *KeyringFile) Add(k *EncryptedKeyJSON) {
	for i, existing := range f.Keys {
		if common.HexToAddress(existing.Address) == common.HexToAddress(k.Address) {
			f.Keys[i] = k
			return
		}
	}
	f.Keys = append(f.Keys, k)
}

// SaveToFile 保存到文件
func (f *KeyringFile) SaveToFile(filename string) error {
	if f.Version == 0 {
		f.Version = 1
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0600) // 0600 is important
}

// LoadFromFile 从文件加载, 文件不存在时返回空 keyring
func LoadFromFile(filename string) (*KeyringFile, error) {
	data, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return &KeyringFile{Version: 1}, nil
	}
	if err != nil {
		return nil, err
	}
	var f KeyringFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
