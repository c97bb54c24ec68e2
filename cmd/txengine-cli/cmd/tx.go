package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiResponse 与服务端 response.Response 一致
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// callAPI 发送请求并打印 data, 业务错误码非 0 时退出
func callAPI(cmd *cobra.Command, method, path string, body interface{}) {
	base, _ := cmd.Flags().GetString("api")
	url := strings.TrimRight(base, "/") + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fmt.Printf("序列化请求失败: %v\n", err)
			os.Exit(1)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(cmd.Context(), method, url, reader)
	if err != nil {
		fmt.Printf("构造请求失败: %v\n", err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		fmt.Printf("请求失败: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fmt.Printf("解析响应失败 (HTTP %d): %v\n", resp.StatusCode, err)
		os.Exit(1)
	}
	if out.Code != 0 {
		fmt.Printf("❌ [%d] %s\n", out.Code, out.Message)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, out.Data, "", "  "); err != nil {
		fmt.Println(string(out.Data))
		return
	}
	fmt.Println(pretty.String())
}

var txCmd = &cobra.Command{
	Use:   "tx",
	Short: "通过 API 查看和审批交易",
}

var txGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查询交易",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		callAPI(cmd, http.MethodGet, "/transactions/"+args[0], nil)
	},
}

var txListCmd = &cobra.Command{
	Use:   "list",
	Short: "按链 / 账户 / 状态列出交易",
	Run: func(cmd *cobra.Command, args []string) {
		chainID, _ := cmd.Flags().GetUint64("chain-id")
		from, _ := cmd.Flags().GetString("from")
		status, _ := cmd.Flags().GetString("status")

		q := []string{}
		if chainID != 0 {
			q = append(q, fmt.Sprintf("chain_id=%d", chainID))
		}
		if from != "" {
			q = append(q, "from="+from)
		}
		if status != "" {
			q = append(q, "status="+status)
		}
		path := "/transactions"
		if len(q) > 0 {
			path += "?" + strings.Join(q, "&")
		}
		callAPI(cmd, http.MethodGet, path, nil)
	},
}

var txApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "确认交易, 签名并提交",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		callAPI(cmd, http.MethodPost, "/transactions/"+args[0]+"/approve", nil)
	},
}

var txRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "拒绝交易",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		callAPI(cmd, http.MethodPost, "/transactions/"+args[0]+"/reject", nil)
	},
}

var txSpeedUpCmd = &cobra.Command{
	Use:   "speed-up <id>",
	Short: "以更高费用替换已提交的交易",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		callAPI(cmd, http.MethodPost, "/transactions/"+args[0]+"/speed-up", nil)
	},
}

var txCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "发送同 nonce 的 0 值自转交易取消原交易",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		callAPI(cmd, http.MethodPost, "/transactions/"+args[0]+"/cancel-replacement", nil)
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "查看审批队列中等待处理的请求",
	Run: func(cmd *cobra.Command, args []string) {
		callAPI(cmd, http.MethodGet, "/queue/pending", nil)
	},
}

func init() {
	rootCmd.AddCommand(txCmd, queueCmd)
	txCmd.AddCommand(txGetCmd, txListCmd, txApproveCmd, txRejectCmd, txSpeedUpCmd, txCancelCmd)

	txListCmd.Flags().Uint64("chain-id", 0, "链 id")
	txListCmd.Flags().String("from", "", "发送账户")
	txListCmd.Flags().String("status", "", "交易状态")
}
