package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wallet-txengine/pkg/cache"
	"wallet-txengine/pkg/config"
	"wallet-txengine/pkg/errno"
	"wallet-txengine/pkg/logger"
)

const capsCacheKey = "relay:networks"

// Client 中继服务的 HTTP 客户端.
// 只负责单次请求, 状态轮询由 controller 的 Poll 驱动.
type Client struct {
	baseURL    string
	provider   string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      cache.Cache
	capsTTL    time.Duration
	nextID     atomic.Int64
}

// NewClient 根据配置创建客户端, RateLimit <= 0 时不限速
func NewClient(cfg config.RelayConfig, c cache.Cache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	capsTTL := cfg.CapsCacheTTL
	if capsTTL <= 0 {
		capsTTL = 10 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		provider:   cfg.Provider,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		cache:      c,
		capsTTL:    capsTTL,
	}
}

// Provider 中继提供方名称, 记录在交易上
func (c *Client) Provider() string {
	return c.provider
}

// Capabilities 查询中继在某条链上的能力, POST /networks 的结果整体缓存
func (c *Client) Capabilities(ctx context.Context, chainID uint64) (*Capabilities, error) {
	var resp networksResponse
	err := c.cache.Get(ctx, capsCacheKey, &resp)
	if err != nil {
		if !cache.IsMiss(err) {
			logger.Warn("读取中继能力缓存失败", zap.Error(err))
		}
		if err := c.doJSON(ctx, http.MethodPost, "/networks", struct{}{}, &resp); err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, capsCacheKey, resp, c.capsTTL); err != nil {
			logger.Warn("写入中继能力缓存失败", zap.Error(err))
		}
	}

	for _, n := range resp.Networks {
		if n.ChainID == chainID {
			caps := n
			return &caps, nil
		}
	}
	return &Capabilities{ChainID: chainID}, nil
}

// Submit 提交已签名交易 (eth_sendRelayTransaction)
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	req.ChainIDHex = hexUint64(req.ChainID)
	var h Handle
	if err := c.call(ctx, "eth_sendRelayTransaction", []interface{}{req}, &h); err != nil {
		return nil, err
	}
	if h.UUID == "" {
		return nil, errno.ErrRelayRejected.WithMessage("relay returned empty uuid")
	}
	return &h, nil
}

// PollStatus 查询一次状态 (GET /smart-transactions/{uuid})
func (c *Client) PollStatus(ctx context.Context, uuid string) (*Status, error) {
	var s Status
	if err := c.doJSON(ctx, http.MethodGet, "/smart-transactions/"+url.PathEscape(uuid), nil, &s); err != nil {
		return nil, err
	}
	if s.UUID == "" {
		s.UUID = uuid
	}
	return &s, nil
}

// Simulate 模拟交易, 返回 gas 代币报价和是否赞助 (simulateTransactions)
func (c *Client) Simulate(ctx context.Context, req SimulationRequest) (*SimulationResult, error) {
	req.ChainIDHex = hexUint64(req.ChainID)
	var res SimulationResult
	if err := c.call(ctx, "simulateTransactions", []interface{}{req}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Cancel 请求中继取消 (POST /smart-transactions/{uuid}/cancel)
func (c *Client) Cancel(ctx context.Context, uuid string) error {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/smart-transactions/"+url.PathEscape(uuid)+"/cancel", struct{}{}, &out); err != nil {
		return err
	}
	if !out.Cancelled {
		return errno.ErrRelayRejected.WithMessage(fmt.Sprintf("relay refused to cancel %s", uuid))
	}
	return nil
}

// call 发送 JSON-RPC 请求到 POST /
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	reqBody := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	var rpcResp rpcResponse
	if err := c.doJSON(ctx, http.MethodPost, "/", reqBody, &rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return errno.ErrRelayRejected.WithMessage(fmt.Sprintf("%s: %d %s", method, rpcResp.Error.Code, rpcResp.Error.Message))
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("relay: %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("relay: client not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("relay: rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return errno.ErrRelayRejected.WithMessage(
				fmt.Sprintf("%s %s: status %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
		}
		return fmt.Errorf("relay: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("relay: decode response: %w", err)
	}
	return nil
}
