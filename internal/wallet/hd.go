package wallet

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// hd derivation path m/44'/60'/0'/0/{index}
var depositPathPrefix = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 60,
	hdkeychain.HardenedKeyStart + 0,
	0,
}

// HDDeriver derives per-agent deposit addresses from the platform xprv.
type HDDeriver struct {
	branch *hdkeychain.ExtendedKey // m/44'/60'/0'/0
}

// NewHDDeriver parses the extended private key and pre-derives the
// external branch.
func NewHDDeriver(xprv string) (*HDDeriver, error) {
	key, err := hdkeychain.NewKeyFromString(xprv)
	if err != nil {
		return nil, fmt.Errorf("parse xprv: %w", err)
	}
	if !key.IsPrivate() {
		return nil, fmt.Errorf("deposit key must be an extended private key")
	}
	branch := key
	for _, step := range depositPathPrefix {
		if branch, err = branch.Derive(step); err != nil {
			return nil, fmt.Errorf("derive deposit branch: %w", err)
		}
	}
	return &HDDeriver{branch: branch}, nil
}

// AddressAt returns the deposit address for a key index.
func (d *HDDeriver) AddressAt(index uint32) (common.Address, error) {
	priv, err := d.privateKeyAt(index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}

func (d *HDDeriver) privateKeyAt(index uint32) (*ecdsa.PrivateKey, error) {
	child, err := d.branch.Derive(index)
	if err != nil {
		return nil, fmt.Errorf("derive index %d: %w", index, err)
	}
	ec, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract key at %d: %w", index, err)
	}
	return ec.ToECDSA(), nil
}
