package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd 代表基础命令，没有子命令时直接调用
var rootCmd = &cobra.Command{
	Use:   "txengine-cli",
	Short: "交易引擎命令行工具",
	Long: `管理交易引擎使用的本地 keyring, 查询链上费用,
并通过 HTTP API 查看和审批交易。`,
}

// Execute 将所有子命令添加到根命令并设置标志
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("api", "http://localhost:8080/api/v1", "交易引擎 API 地址")
}
