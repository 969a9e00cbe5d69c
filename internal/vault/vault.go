package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/FrankiePower/Reactive-autolend/internal/dispatch"
	"github.com/FrankiePower/Reactive-autolend/internal/policy"
	"github.com/FrankiePower/Reactive-autolend/internal/threshold"
)

const vaultABIJSON = `[
{"inputs":[],"name":"totalAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"getCurrentAllocation","outputs":[{"internalType":"uint256","name":"poolA","type":"uint256"},{"internalType":"uint256","name":"poolB","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"monitor","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

var vaultABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic("failed to parse vault ABI: " + err.Error())
	}
	vaultABI = parsed
}

// chainReader is the subset of ethclient the vault needs.
type chainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options parameterise the vault client.
type Options struct {
	RPCURL              string
	Address             string
	RelayURL            string
	Timeout             time.Duration
	ReceiptPollInterval time.Duration
}

// Client talks to the vault contract for reads and to the signing relay for
// rebalance submission, then follows the transaction until it is mined.
type Client struct {
	opts   Options
	logger zerolog.Logger
	http   *http.Client

	chainMux sync.Mutex
	chain    chainReader
}

// NewClient constructs a vault client; the RPC connection is dialled lazily.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = 4 * time.Second
	}
	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "vault").Logger(),
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) getChain(ctx context.Context) (chainReader, error) {
	c.chainMux.Lock()
	defer c.chainMux.Unlock()

	if c.chain != nil {
		return c.chain, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.chain = client
	return client, nil
}

func (c *Client) call(ctx context.Context, method string) ([]interface{}, error) {
	if !common.IsHexAddress(c.opts.Address) {
		return nil, errors.New("vault address not configured")
	}

	chain, err := c.getChain(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := vaultABI.Pack(method)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(c.opts.Address)
	res, err := chain.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := vaultABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", method, err)
	}
	return outputs, nil
}

func toUint256(v interface{}) (uint256.Int, error) {
	raw, ok := v.(*big.Int)
	if !ok {
		return uint256.Int{}, fmt.Errorf("unexpected output type %T", v)
	}
	out, overflow := uint256.FromBig(raw)
	if overflow {
		return uint256.Int{}, errors.New("output overflows 256 bits")
	}
	return *out, nil
}

// TotalAssets reads the vault's ERC-4626 totalAssets.
func (c *Client) TotalAssets(ctx context.Context) (uint256.Int, error) {
	outputs, err := c.call(ctx, "totalAssets")
	if err != nil {
		return uint256.Int{}, err
	}
	if len(outputs) != 1 {
		return uint256.Int{}, errors.New("unexpected totalAssets response")
	}
	return toUint256(outputs[0])
}

// CurrentAllocation reads how much the vault holds in each pool.
func (c *Client) CurrentAllocation(ctx context.Context) ([2]uint256.Int, error) {
	outputs, err := c.call(ctx, "getCurrentAllocation")
	if err != nil {
		return [2]uint256.Int{}, err
	}
	if len(outputs) != 2 {
		return [2]uint256.Int{}, errors.New("unexpected getCurrentAllocation response")
	}

	var alloc [2]uint256.Int
	for i := range alloc {
		v, err := toUint256(outputs[i])
		if err != nil {
			return [2]uint256.Int{}, err
		}
		alloc[i] = v
	}
	return alloc, nil
}

// PoolStates combines totalAssets and the current allocation for the amount policy.
func (c *Client) PoolStates(ctx context.Context) (policy.PoolStates, error) {
	total, err := c.TotalAssets(ctx)
	if err != nil {
		return policy.PoolStates{}, err
	}
	alloc, err := c.CurrentAllocation(ctx)
	if err != nil {
		return policy.PoolStates{}, err
	}
	return policy.PoolStates{
		TotalAssets: total,
		Allocation:  alloc,
		At:          time.Now().UTC(),
		Known:       true,
	}, nil
}

// AuthorizedCaller returns the monitor address the vault accepts rebalance calls from.
func (c *Client) AuthorizedCaller(ctx context.Context) (string, error) {
	outputs, err := c.call(ctx, "monitor")
	if err != nil {
		return "", err
	}
	if len(outputs) != 1 {
		return "", errors.New("unexpected monitor response")
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("unexpected monitor output type %T", outputs[0])
	}
	return addr.Hex(), nil
}

type relayRequest struct {
	Vault          string `json:"vault"`
	Direction      string `json:"direction"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	IssuedAt       int64  `json:"issued_at"`
}

type relayResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error"`
}

func relayDirection(d threshold.Direction) (string, error) {
	switch d {
	case threshold.AToB:
		return "A_TO_B", nil
	case threshold.BToA:
		return "B_TO_A", nil
	default:
		return "", fmt.Errorf("invalid direction %d", int(d))
	}
}

// Rebalance submits the request to the relay and waits for the mined receipt.
// The relay deduplicates on the idempotency key; a 409 still carries the
// original transaction hash, which is then followed like a fresh submission.
func (c *Client) Rebalance(ctx context.Context, req dispatch.Request) (dispatch.Receipt, error) {
	txHash, err := c.submit(ctx, req)
	if err != nil {
		return dispatch.Receipt{}, err
	}
	c.logger.Info().Str("tx", txHash).Str("key", req.IdempotencyKey).Msg("rebalance submitted")

	receipt, err := c.waitReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return dispatch.Receipt{TxHash: txHash}, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return dispatch.Receipt{
			TxHash:  txHash,
			Success: false,
			Reason:  fmt.Sprintf("transaction reverted in block %s", receipt.BlockNumber),
		}, nil
	}
	return dispatch.Receipt{TxHash: txHash, Success: true}, nil
}

func (c *Client) submit(ctx context.Context, req dispatch.Request) (string, error) {
	if strings.TrimSpace(c.opts.RelayURL) == "" {
		return "", errors.New("vault relay url not configured")
	}
	direction, err := relayDirection(req.Direction)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(relayRequest{
		Vault:          c.opts.Address,
		Direction:      direction,
		Amount:         req.Amount.Dec(),
		IdempotencyKey: req.IdempotencyKey,
		IssuedAt:       req.IssuedAt.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal relay payload: %w", err)
	}

	endpoint := strings.TrimRight(c.opts.RelayURL, "/") + "/rebalance"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create relay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send relay request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var out relayResponse
	_ = json.Unmarshal(payload, &out)

	switch {
	case resp.StatusCode == http.StatusConflict && out.TxHash != "":
		c.logger.Warn().Str("key", req.IdempotencyKey).Msg("relay already accepted this intent")
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		if out.Error != "" {
			return "", fmt.Errorf("relay error (%d): %s", resp.StatusCode, out.Error)
		}
		return "", fmt.Errorf("relay error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if out.TxHash == "" {
		return "", errors.New("relay returned no transaction hash")
	}
	return out.TxHash, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	chain, err := c.getChain(ctx)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := chain.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ dispatch.Vault = (*Client)(nil)
