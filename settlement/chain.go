package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"tradeescrow/config"
	"tradeescrow/escrow"
)

// escrowABIJSON is the interface of the on-chain escrow vault. Every mutating method takes the
// movement key and reverts with "already processed" when the key was seen before.
const escrowABIJSON = `[
	{"type":"function","name":"openEscrow","stateMutability":"nonpayable","inputs":[
		{"name":"key","type":"bytes32"},{"name":"contractId","type":"bytes32"},
		{"name":"buyer","type":"string"},{"name":"seller","type":"string"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[
		{"name":"key","type":"bytes32"},{"name":"contractId","type":"bytes32"},
		{"name":"milestone","type":"uint256"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"key","type":"bytes32"},{"name":"contractId","type":"bytes32"},
		{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"processed","stateMutability":"view","inputs":[
		{"name":"key","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"escrowOf","stateMutability":"view","inputs":[
		{"name":"contractId","type":"bytes32"}],"outputs":[
		{"name":"deposited","type":"uint256"},{"name":"released","type":"uint256"},
		{"name":"refunded","type":"uint256"}]}
]`

var escrowABI = mustParseABI(escrowABIJSON)

func mustParseABI(abiJSON string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		panic("failed to parse ABI: " + err.Error())
	}

	return &parsed
}

// escrowContract is the subset of *bind.BoundContract the backend uses.
type escrowContract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error)
}

type waitFunc func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// ChainBackend settles through an escrow vault contract on an EVM chain.
type ChainBackend struct {
	contract escrowContract
	auth     *bind.TransactOpts
	wait     waitFunc
}

// NewChainBackend dials cfg.RPCURL and binds the vault at cfg.ContractAddress, signing with
// cfg.PrivateKey.
func NewChainBackend(ctx context.Context, cfg config.ChainConfig) (*ChainBackend, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", cfg.RPCURL, err)
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("settlement: create transactor: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("settlement: invalid contract address %q", cfg.ContractAddress)
	}

	contract := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), *escrowABI, client, client, client)
	wait := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, client, tx)
	}
	return newChainBackend(contract, auth, wait), nil
}

func newChainBackend(contract escrowContract, auth *bind.TransactOpts, wait waitFunc) *ChainBackend {
	return &ChainBackend{contract: contract, auth: auth, wait: wait}
}

func (b *ChainBackend) Name() string { return "chain" }

func (b *ChainBackend) Open(ctx context.Context, req OpenRequest) (Receipt, error) {
	return b.transact(ctx, "open", req.Key, "openEscrow",
		hashKey(req.Key.String()), hashKey(req.ContractID), req.Buyer, req.Seller, big.NewInt(req.Amount))
}

func (b *ChainBackend) Release(ctx context.Context, req ReleaseRequest) (Receipt, error) {
	return b.transact(ctx, "release", req.Key, "release",
		hashKey(req.Key.String()), hashKey(req.ContractID), big.NewInt(int64(req.Index)), big.NewInt(req.Amount))
}

func (b *ChainBackend) Refund(ctx context.Context, req RefundRequest) (Receipt, error) {
	return b.transact(ctx, "refund", req.Key, "refund",
		hashKey(req.Key.String()), hashKey(req.ContractID), big.NewInt(req.Amount))
}

func (b *ChainBackend) Query(ctx context.Context, contractID string) (Balance, error) {
	var out []any
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "escrowOf", hashKey(contractID)); err != nil {
		return Balance{}, b.classify("query", err)
	}
	if len(out) != 3 {
		return Balance{}, retryable(b.Name(), "query", fmt.Errorf("escrowOf returned %d values", len(out)))
	}
	vals := make([]int64, 3)
	for i, v := range out {
		n, ok := v.(*big.Int)
		if !ok || !n.IsInt64() {
			return Balance{}, retryable(b.Name(), "query", fmt.Errorf("escrowOf: unexpected value %v", v))
		}
		vals[i] = n.Int64()
	}
	return Balance{Deposited: vals[0], Released: vals[1], Refunded: vals[2]}, nil
}

func (b *ChainBackend) transact(ctx context.Context, op string, key escrow.IdempotencyKey, method string, params ...any) (Receipt, error) {
	done, err := b.processed(ctx, key)
	if err != nil {
		return Receipt{}, b.classify(op, err)
	}
	if done {
		return Receipt{}, ErrAlreadyApplied
	}

	opts := *b.auth
	opts.Context = ctx
	tx, err := b.contract.Transact(&opts, method, params...)
	if err != nil {
		return Receipt{}, b.classify(op, err)
	}

	receipt, err := b.wait(ctx, tx)
	if err != nil {
		// broadcast but unconfirmed; the key guards a later retry or the fallback
		return Receipt{}, retryable(b.Name(), op, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		if done, perr := b.processed(ctx, key); perr == nil && done {
			return Receipt{}, ErrAlreadyApplied
		}
		return Receipt{}, terminal(b.Name(), op, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	return Receipt{Reference: tx.Hash().Hex()}, nil
}

func (b *ChainBackend) processed(ctx context.Context, key escrow.IdempotencyKey) (bool, error) {
	var out []any
	if err := b.contract.Call(&bind.CallOpts{Context: ctx}, &out, "processed", hashKey(key.String())); err != nil {
		return false, err
	}
	if len(out) != 1 {
		return false, fmt.Errorf("processed returned %d values", len(out))
	}
	done, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("processed: expected bool, got %T", out[0])
	}
	return done, nil
}

// classify maps node errors: reverts are rejections, anything else (network, deadline,
// nonce races) may succeed on a later attempt.
func (b *ChainBackend) classify(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already processed"):
		return ErrAlreadyApplied
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "insufficient funds"):
		return terminal(b.Name(), op, err)
	default:
		return retryable(b.Name(), op, err)
	}
}

// hashKey derives the bytes32 identifier the vault stores for s.
func hashKey(s string) [32]byte {
	return [32]byte(crypto.Keccak256Hash([]byte(s)))
}
