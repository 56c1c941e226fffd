package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// RPCConfig configures the node JSON-RPC client.
type RPCConfig struct {
	URL               string
	Timeout           time.Duration
	Retries           int
	RequestsPerSecond float64
	Burst             int
	Logger            *slog.Logger
}

// RPCError is a JSON-RPC error object returned by the node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc %s: %d %s", e.Method, e.Code, e.Message)
}

// RPC is a JSON-RPC 2.0 client for a Substrate node's HTTP endpoint. Requests
// are throttled and transient failures retried; every method is a read.
type RPC struct {
	url     string
	client  *retryablehttp.Client
	limiter *rate.Limiter
	nextID  atomic.Int64
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRPC constructs a client for the supplied endpoint.
func NewRPC(cfg RPCConfig) (*RPC, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = nil
	if cfg.Logger != nil {
		client.Logger = cfg.Logger
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RPC{
		url:     endpoint,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

// Call invokes method and decodes the result into out. A null result is
// reported as ErrNotFound.
func (c *RPC) Call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if params == nil {
		params = []any{}
	}
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("node rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("node rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return ErrNotFound
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// BestHeight returns the number of the best block.
func (c *RPC) BestHeight(ctx context.Context) (uint64, error) {
	var header struct {
		Number string `json:"number"`
	}
	if err := c.Call(ctx, "chain_getHeader", nil, &header); err != nil {
		return 0, err
	}
	return parseQuantity(header.Number)
}

// BlockHash returns the hash of the block at height.
func (c *RPC) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash string
	if err := c.Call(ctx, "chain_getBlockHash", []any{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Storage reads a raw storage value, at the best block when at is empty.
func (c *RPC) Storage(ctx context.Context, key []byte, at string) ([]byte, error) {
	params := []any{hexutil.Encode(key)}
	if at != "" {
		params = append(params, at)
	}
	var value hexutil.Bytes
	if err := c.Call(ctx, "state_getStorage", params, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// Properties reads the chain token properties.
func (c *RPC) Properties(ctx context.Context) (Properties, error) {
	var raw struct {
		TokenSymbol   json.RawMessage `json:"tokenSymbol"`
		TokenDecimals json.RawMessage `json:"tokenDecimals"`
	}
	if err := c.Call(ctx, "system_properties", nil, &raw); err != nil {
		return Properties{}, err
	}
	props := Properties{}
	// Multi-token chains report arrays; the first entry is the native token.
	var symbols []string
	if err := json.Unmarshal(raw.TokenSymbol, &symbols); err == nil && len(symbols) > 0 {
		props.TokenSymbol = symbols[0]
	} else {
		_ = json.Unmarshal(raw.TokenSymbol, &props.TokenSymbol)
	}
	var decimals []uint32
	if err := json.Unmarshal(raw.TokenDecimals, &decimals); err == nil && len(decimals) > 0 {
		props.TokenDecimals = decimals[0]
	} else if err := json.Unmarshal(raw.TokenDecimals, &props.TokenDecimals); err != nil {
		return Properties{}, fmt.Errorf("system_properties: token decimals: %w", err)
	}
	return props, nil
}

func parseQuantity(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("empty quantity")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return strconv.ParseUint(trimmed[2:], 16, 64)
	}
	return strconv.ParseUint(trimmed, 10, 64)
}
