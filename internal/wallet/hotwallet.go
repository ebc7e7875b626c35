package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC20 minimal ABI for transfer
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// transferEventSig is keccak256("Transfer(address,address,uint256)").
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// DefaultGasLimit for ERC20 transfers when estimation fails
const DefaultGasLimit = uint64(100000)

// HotWallet signs and broadcasts payout transfers.
type HotWallet struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	token      common.Address
	tokenABI   abi.ABI
}

// NewHotWallet creates the payout signer. privateKeyHex takes 64 hex
// chars with or without a 0x prefix.
func NewHotWallet(client EthClient, privateKeyHex, tokenContract string, chainID int64) (*HotWallet, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse hot wallet key: %w", err)
	}
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse token ABI: %w", err)
	}
	if !common.IsHexAddress(tokenContract) {
		return nil, fmt.Errorf("%w: token contract %q", ErrInvalidAddress, tokenContract)
	}
	return &HotWallet{
		client:     client,
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    big.NewInt(chainID),
		token:      common.HexToAddress(tokenContract),
		tokenABI:   parsedABI,
	}, nil
}

// Address returns the hot wallet's address.
func (h *HotWallet) Address() string {
	return h.address.Hex()
}

// Transfer sends raw token units to a recipient and returns the tx hash.
func (h *HotWallet) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	data, err := h.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	nonce, err := h.client.PendingNonceAt(ctx, h.address)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := h.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := h.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  h.address,
		To:    &h.token,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, h.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(h.chainID), h.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	if err := h.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}
	return signedTx.Hash().Hex(), nil
}
