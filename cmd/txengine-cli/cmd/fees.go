package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"wallet-txengine/internal/chain"
	"wallet-txengine/internal/service/gasfee"
	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/wallet/types"
)

var feesCmd = &cobra.Command{
	Use:   "fees",
	Short: "直接从 RPC 节点估算三档费用 (Online)",
	Long:  `不经过交易引擎, 使用与服务端相同的估算逻辑查询 low / medium / high 三档费用。`,
	Run: func(cmd *cobra.Command, args []string) {
		rpcURL, _ := cmd.Flags().GetString("rpc")
		legacy, _ := cmd.Flags().GetBool("legacy")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		fmt.Printf("正在连接 RPC: %s ...\n", rpcURL)
		client, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			fmt.Printf("连接失败: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()

		id, err := client.ChainID(ctx)
		if err != nil {
			fmt.Printf("获取 chain id 失败: %v\n", err)
			os.Exit(1)
		}

		reg := chain.NewRegistry()
		reg.Register(config.ChainConfig{ChainID: id.Uint64(), RpcUrl: rpcURL, EIP1559: !legacy}, client)
		est := gasfee.NewEstimator(reg, cache.NewMemoryCache(time.Minute, time.Minute), config.FeeConfig{})

		envType := types.EnvelopeFeeMarket
		if legacy {
			envType = types.EnvelopeLegacy
		}
		sug, err := est.Estimate(ctx, id.Uint64(), envType)
		if err != nil {
			fmt.Printf("❌ 估算失败: %v\n", err)
			os.Exit(1)
		}

		out, _ := json.MarshalIndent(sug, "", "  ")
		fmt.Println(string(out))
	},
}

func init() {
	rootCmd.AddCommand(feesCmd)
	feesCmd.Flags().String("rpc", "https://cloudflare-eth.com", "RPC 节点地址")
	feesCmd.Flags().Bool("legacy", false, "估算 legacy gasPrice")
}
