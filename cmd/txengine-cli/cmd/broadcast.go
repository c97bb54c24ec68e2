package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"wallet-txengine/internal/chain"
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "广播已签名的交易 (Online)",
	Long:  `读取已签名交易的 raw hex (命令行参数或文件), 绕过交易引擎直接广播到节点。`,
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetString("raw")
		inputFile, _ := cmd.Flags().GetString("input")
		rpcURL, _ := cmd.Flags().GetString("rpc")

		// 1. 读取 Raw Tx
		if raw == "" {
			data, err := os.ReadFile(inputFile)
			if err != nil {
				fmt.Printf("读取文件失败: %v\n", err)
				os.Exit(1)
			}
			raw = strings.TrimSpace(string(data))
		}

		tx := new(ethtypes.Transaction)
		if err := tx.UnmarshalBinary(common.FromHex(raw)); err != nil {
			fmt.Printf("反序列化交易失败: %v\n", err)
			os.Exit(1)
		}

		// 2. 连接节点
		fmt.Printf("正在连接 RPC: %s ...\n", rpcURL)
		client, err := ethclient.Dial(rpcURL)
		if err != nil {
			fmt.Printf("连接失败: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		// 3. 广播
		fmt.Printf("正在广播交易 Hash: %s (nonce %d) ...\n", tx.Hash().Hex(), tx.Nonce())
		if err := client.SendTransaction(context.Background(), tx); err != nil {
			kind := chain.ClassifyBroadcastError(err)
			if kind == chain.KindKnown {
				fmt.Printf("节点已有该交易: %s\n", tx.Hash().Hex())
				return
			}
			fmt.Printf("❌ 广播失败 (%s): %v\n", kind, err)
			os.Exit(1)
		}

		fmt.Printf("✅ 广播成功!\n")
	},
}

func init() {
	rootCmd.AddCommand(broadcastCmd)
	broadcastCmd.Flags().String("raw", "", "已签名交易的 raw hex")
	broadcastCmd.Flags().StringP("input", "i", "signed.hex", "保存 raw hex 的文件")
	broadcastCmd.Flags().String("rpc", "https://cloudflare-eth.com", "RPC 节点地址")
}
