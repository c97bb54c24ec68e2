package cmd

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"wallet-txengine/pkg/keystore"
)

var keystoreCmd = &cobra.Command{
	Use:   "keystore",
	Short: "管理本地 keyring 文件",
	Long:  `keyring 文件保存引擎用于签名的加密私钥, 服务启动时使用 KEYRING_PASSWORD 解密。`,
}

var keystoreNewCmd = &cobra.Command{
	Use:   "new",
	Short: "生成一个新账户并加入 keyring",
	Run: func(cmd *cobra.Command, args []string) {
		priv, err := crypto.GenerateKey()
		if err != nil {
			fmt.Printf("生成私钥失败: %v\n", err)
			os.Exit(1)
		}
		addKey(cmd, priv)
	},
}

var keystoreImportCmd = &cobra.Command{
	Use:   "import",
	Short: "导入已有私钥 (hex) 到 keyring",
	Run: func(cmd *cobra.Command, args []string) {
		hexKey, _ := cmd.Flags().GetString("key")
		if hexKey == "" {
			hexKey = os.Getenv("IMPORT_PRIVATE_KEY")
		}
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			fmt.Printf("私钥格式错误: %v\n", err)
			os.Exit(1)
		}
		addKey(cmd, priv)
	},
}

var keystoreListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出 keyring 中的账户",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		f, err := keystore.LoadFromFile(file)
		if err != nil {
			fmt.Printf("读取 keyring 失败: %v\n", err)
			os.Exit(1)
		}
		if len(f.Keys) == 0 {
			fmt.Printf("%s 中没有账户\n", file)
			return
		}
		for i, k := range f.Keys {
			fmt.Printf("[%d] %s\n", i, common.HexToAddress(k.Address).Hex())
		}
	},
}

// addKey 加密后写入 keyring, 同一地址覆盖旧条目
func addKey(cmd *cobra.Command, priv *ecdsa.PrivateKey) {
	file, _ := cmd.Flags().GetString("file")
	password := keyringPassword(cmd)
	light, _ := cmd.Flags().GetBool("light")

	params := keystore.StandardScrypt
	if light {
		params = keystore.LightScrypt
	}

	f, err := keystore.LoadFromFile(file)
	if err != nil {
		fmt.Printf("读取 keyring 失败: %v\n", err)
		os.Exit(1)
	}
	// 已有账户必须能用同一密码解密, 否则服务无法启动
	if _, err := f.DecryptAll(password); err != nil {
		fmt.Printf("密码与已有账户不一致: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("正在加密保存...")
	enc, err := keystore.EncryptKey(priv, password, params)
	if err != nil {
		fmt.Printf("加密失败: %v\n", err)
		os.Exit(1)
	}
	f.Add(enc)
	if err := f.SaveToFile(file); err != nil {
		fmt.Printf("保存文件失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ 账户 %s 已保存到 %s\n", crypto.PubkeyToAddress(priv.PublicKey).Hex(), file)
}

func keyringPassword(cmd *cobra.Command) string {
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("KEYRING_PASSWORD")
	}
	if len(password) < 6 {
		fmt.Println("密码长度至少需要 6 位 (--password 或环境变量 KEYRING_PASSWORD)。")
		os.Exit(1)
	}
	return password
}

func init() {
	rootCmd.AddCommand(keystoreCmd)
	keystoreCmd.AddCommand(keystoreNewCmd, keystoreImportCmd, keystoreListCmd)

	keystoreCmd.PersistentFlags().StringP("file", "f", "keyring.json", "keyring 文件路径")
	for _, c := range []*cobra.Command{keystoreNewCmd, keystoreImportCmd} {
		c.Flags().String("password", "", "keyring 密码, 默认读取 KEYRING_PASSWORD")
		c.Flags().Bool("light", false, "使用较弱的 scrypt 参数 (仅限测试)")
	}
	keystoreImportCmd.Flags().String("key", "", "私钥 hex, 默认读取 IMPORT_PRIVATE_KEY")
}
