package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Aave v3 PoolDataProvider.getReserveData; liquidityRate is ray (1e27) scaled.
const (
	reserveDataABIJSON = `[{"inputs":[{"internalType":"address","name":"asset","type":"address"}],"name":"getReserveData","outputs":[{"internalType":"uint256","name":"unbacked","type":"uint256"},{"internalType":"uint256","name":"accruedToTreasuryScaled","type":"uint256"},{"internalType":"uint256","name":"totalAToken","type":"uint256"},{"internalType":"uint256","name":"totalStableDebt","type":"uint256"},{"internalType":"uint256","name":"totalVariableDebt","type":"uint256"},{"internalType":"uint256","name":"liquidityRate","type":"uint256"},{"internalType":"uint256","name":"variableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"stableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"averageStableBorrowRate","type":"uint256"},{"internalType":"uint256","name":"liquidityIndex","type":"uint256"},{"internalType":"uint256","name":"variableBorrowIndex","type":"uint256"},{"internalType":"uint40","name":"lastUpdateTimestamp","type":"uint40"}],"stateMutability":"view","type":"function"}]`

	reserveDataMethod = "getReserveData"
	liquidityRateName = "liquidityRate"
)

var (
	reserveDataABI     abi.ABI
	liquidityRateIndex int
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(reserveDataABIJSON))
	if err != nil {
		panic("failed to parse reserve data ABI: " + err.Error())
	}
	reserveDataABI = parsed

	liquidityRateIndex = -1
	for i, out := range parsed.Methods[reserveDataMethod].Outputs {
		if out.Name == liquidityRateName {
			liquidityRateIndex = i
		}
	}
	if liquidityRateIndex < 0 {
		panic("reserve data ABI has no liquidityRate output")
	}
}

// LendingPoolOptions parameterise the on-chain pool source.
type LendingPoolOptions struct {
	RPCURL              string
	DataProviderAddress string
	AssetAddress        string
	Timeout             time.Duration
}

// LendingPool reads a reserve's supply rate over Ethereum RPC. The block the
// read was pinned to is the reading's sequence.
type LendingPool struct {
	opts      LendingPoolOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewLendingPool builds a new lending pool source.
func NewLendingPool(opts LendingPoolOptions, logger zerolog.Logger) *LendingPool {
	return &LendingPool{opts: opts, logger: logger.With().Str("component", "lending_pool_source").Logger()}
}

// FetchRate implements RateSource.
func (p *LendingPool) FetchRate(ctx context.Context) (Reading, error) {
	if p.opts.RPCURL == "" {
		return Reading{}, errors.New("ethereum rpc url not configured")
	}
	if p.opts.DataProviderAddress == "" || p.opts.AssetAddress == "" {
		return Reading{}, errors.New("data provider and asset addresses required")
	}
	if !common.IsHexAddress(p.opts.DataProviderAddress) || !common.IsHexAddress(p.opts.AssetAddress) {
		return Reading{}, errors.New("invalid data provider or asset address")
	}

	timeout := p.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := p.getClient(ctx)
	if err != nil {
		return Reading{}, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("block number: %w", err)
	}

	payload, err := reserveDataABI.Pack(reserveDataMethod, common.HexToAddress(p.opts.AssetAddress))
	if err != nil {
		return Reading{}, err
	}

	provider := common.HexToAddress(p.opts.DataProviderAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &provider, Data: payload}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return Reading{}, fmt.Errorf("call getReserveData: %w", err)
	}

	rate, err := decodeLiquidityRate(res)
	if err != nil {
		return Reading{}, err
	}

	p.logger.Debug().Uint64("block", blockNumber).Str("rate", rate.Dec()).Msg("reserve rate fetched")
	return Reading{Rate: rate, Seq: blockNumber}, nil
}

func decodeLiquidityRate(res []byte) (uint256.Int, error) {
	outputs, err := reserveDataABI.Unpack(reserveDataMethod, res)
	if err != nil {
		return uint256.Int{}, err
	}
	if len(outputs) <= liquidityRateIndex {
		return uint256.Int{}, errors.New("unexpected getReserveData response")
	}
	raw, ok := outputs[liquidityRateIndex].(*big.Int)
	if !ok {
		return uint256.Int{}, errors.New("failed to decode liquidityRate output")
	}
	return fromBig(raw)
}

func (p *LendingPool) getClient(ctx context.Context) (*ethclient.Client, error) {
	p.clientMux.Lock()
	defer p.clientMux.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	client, err := ethclient.DialContext(ctx, p.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

var _ RateSource = (*LendingPool)(nil)
