package evm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

type fakeContract struct {
	method string
	params []interface{}
	err    error
}

func (f *fakeContract) Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	f.method = method
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return types.NewTx(&types.LegacyTx{Nonce: 7, To: &common.Address{}, Gas: 21000, GasPrice: big.NewInt(1)}), nil
}

func newTestLedger(t *testing.T, c *fakeContract, status uint64, waitErr error) *Ledger {
	t.Helper()
	key, err := parseKey("0x" + testKey)
	require.NoError(t, err)
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(1337))
	require.NoError(t, err)

	return &Ledger{
		contract: c,
		wait: func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
			if waitErr != nil {
				return nil, waitErr
			}
			return &types.Receipt{Status: status, BlockNumber: big.NewInt(42), TxHash: tx.Hash()}, nil
		},
		auth:    auth,
		network: "chain-1337",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestStoreWebpage_Success(t *testing.T) {
	c := &fakeContract{}
	l := newTestLedger(t, c, types.ReceiptStatusSuccessful, nil)

	r, err := l.StoreWebpage(context.Background(), "mysite", "bafkreiaaa")
	require.NoError(t, err)

	assert.Equal(t, "storeWebpage", c.method)
	assert.Equal(t, []interface{}{"mysite", "bafkreiaaa"}, c.params)
	assert.Len(t, r.TxHash, 66)
	assert.Equal(t, uint64(42), r.Block)
	assert.Equal(t, "chain-1337 block 42", r.Info())
}

func TestStoreWebpage_Reverted(t *testing.T) {
	l := newTestLedger(t, &fakeContract{}, types.ReceiptStatusFailed, nil)

	_, err := l.StoreWebpage(context.Background(), "mysite", "bafkreiaaa")
	assert.True(t, errors.Is(err, ErrReverted), "err = %v", err)
}

func TestStoreWebpage_SendFails(t *testing.T) {
	l := newTestLedger(t, &fakeContract{err: errors.New("insufficient funds")}, types.ReceiptStatusSuccessful, nil)

	_, err := l.StoreWebpage(context.Background(), "mysite", "bafkreiaaa")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestStoreWebpage_WaitFails(t *testing.T) {
	l := newTestLedger(t, &fakeContract{}, 0, context.DeadlineExceeded)

	_, err := l.StoreWebpage(context.Background(), "mysite", "bafkreiaaa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContractABI_PacksStoreWebpage(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(ContractABI))
	require.NoError(t, err)

	data, err := parsed.Pack("storeWebpage", "mysite", "bafkreiaaa")
	require.NoError(t, err)
	assert.Equal(t, parsed.Methods["storeWebpage"].ID, data[:4])
}

func TestDial_RejectsBadConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := Dial(context.Background(), Config{PrivateKey: "zz", Contract: "0x0000000000000000000000000000000000000001"}, logger)
	assert.Error(t, err)

	_, err = Dial(context.Background(), Config{PrivateKey: testKey, Contract: "not-an-address"}, logger)
	assert.Error(t, err)
}
