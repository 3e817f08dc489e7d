// Package evm implements ledger.Client on an EVM chain through go-ethereum.
//
// The deployed contract must expose
//
//	function storeWebpage(string domain, string cid)
//
// StoreWebpage sends the transaction from the configured key, then waits for it to
// be mined. A receipt with a failed status is reported as a revert.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sakif/webdeploy/internal/ledger"
)

// ContractABI is the subset of the registry contract this package calls.
const ContractABI = `[{
	"type": "function",
	"name": "storeWebpage",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "domain", "type": "string"},
		{"name": "cid", "type": "string"}
	],
	"outputs": []
}]`

// ErrReverted is returned when the transaction was mined but failed.
var ErrReverted = errors.New("evm: transaction reverted")

var _ ledger.Client = (*Ledger)(nil)

// Config selects the chain, the signing key and the contract.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	Contract   string // 0x address
}

type transactor interface {
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type waitFunc func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// Ledger sends registrations to the contract.
type Ledger struct {
	contract transactor
	wait     waitFunc
	auth     *bind.TransactOpts
	network  string
	close    func()
	logger   *slog.Logger

	// mu keeps one transaction in flight per signer while the nonce is being picked.
	mu sync.Mutex
}

// Dial connects to the RPC endpoint and binds the contract.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Ledger, error) {
	key, err := parseKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("evm: invalid contract address %q", cfg.Contract)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dialing %s: %w", cfg.RPCURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: reading chain id: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: building transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: parsing contract abi: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(cfg.Contract), parsed, client, client, client)

	logger.Info("ledger connected",
		slog.String("chain_id", chainID.String()),
		slog.String("contract", cfg.Contract),
		slog.String("sender", auth.From.Hex()),
	)

	return &Ledger{
		contract: contract,
		wait: func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
			return bind.WaitMined(ctx, client, tx)
		},
		auth:    auth,
		network: "chain-" + chainID.String(),
		close:   client.Close,
		logger:  logger,
	}, nil
}

// Close releases the RPC connection.
func (l *Ledger) Close() error {
	if l.close != nil {
		l.close()
	}
	return nil
}

// StoreWebpage submits storeWebpage(domain, cid) and waits until it is mined.
func (l *Ledger) StoreWebpage(ctx context.Context, domain, cid string) (ledger.Receipt, error) {
	l.mu.Lock()
	opts := *l.auth
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, "storeWebpage", domain, cid)
	l.mu.Unlock()
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("evm: sending storeWebpage(%s): %w", domain, err)
	}

	l.logger.Info("ledger transaction sent",
		slog.String("domain", domain),
		slog.String("cid", cid),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := l.wait(ctx, tx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("evm: waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return ledger.Receipt{TxHash: tx.Hash().Hex(), Block: block, Network: l.network}, nil
}

func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: invalid private key: %w", err)
	}
	return key, nil
}
