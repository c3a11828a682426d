// Package chain provides the two halves of chain connectivity: a push
// WebSocket stream of account/program notifications (stream.go) and a
// request/response JSON-RPC facility for state reads and simulation
// (this file).
//
// Every RPC request is rate-limited via per-category token buckets and
// retried on transport errors and 5xx responses up to the configured
// attempt cap. Persistent failures surface as a ChainUnavailable error.
package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

// RPC is the JSON-RPC client for state reads and bundle simulation.
type RPC struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
	reqID  atomic.Int64
}

// NewRPC creates a JSON-RPC client with rate limiting and retry.
func NewRPC(cfg config.ChainConfig, logger *slog.Logger) *RPC {
	httpClient := resty.New().
		SetBaseURL(cfg.RPCURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(cfg.RPCAttempts).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &RPC{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "chain_rpc"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

func (c *RPC) call(ctx context.Context, bucket *TokenBucket, method string, params, out any) error {
	if err := bucket.Wait(ctx); err != nil {
		return err
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}

	var result rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("")
	if err != nil {
		return types.E(types.KindChainUnavailable, method, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.E(types.KindChainUnavailable, method,
			fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if result.Error != nil {
		return types.E(types.KindChainUnavailable, method,
			fmt.Errorf("rpc error %d: %s", result.Error.Code, result.Error.Message))
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// SimulateBundle simulates the ordered transactions against the latest
// known state. FailedIndex is -1 on success, otherwise the position of the
// first failing transaction.
func (c *RPC) SimulateBundle(ctx context.Context, txs [][]byte) (*types.SimulationResult, error) {
	encoded := make([]string, len(txs))
	for i, tx := range txs {
		encoded[i] = base64.StdEncoding.EncodeToString(tx)
	}

	var result types.SimulationResult
	if err := c.call(ctx, c.rl.Simulate, "simulateBundle",
		map[string]any{"transactions": encoded}, &result); err != nil {
		return nil, err
	}
	if result.Success {
		result.FailedIndex = -1
	}
	return &result, nil
}

// GetAccount fetches the raw data and slot for an account.
func (c *RPC) GetAccount(ctx context.Context, key types.Pubkey) ([]byte, uint64, error) {
	var result struct {
		Data string `json:"data"`
		Slot uint64 `json:"slot"`
	}
	if err := c.call(ctx, c.rl.Read, "getAccountInfo",
		[]any{key.String()}, &result); err != nil {
		return nil, 0, err
	}
	data, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return nil, 0, fmt.Errorf("getAccountInfo: decode data: %w", err)
	}
	return data, result.Slot, nil
}

// CurrentSlot returns the node's latest processed slot. Doubles as the
// request-path health probe.
func (c *RPC) CurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, c.rl.Read, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// SubmitBucket exposes the submission-rate bucket so the block-engine
// client shares the process-wide budget.
func (c *RPC) SubmitBucket() *TokenBucket { return c.rl.Submit }
