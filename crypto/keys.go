package crypto

import (
	"crypto/ecdsa"
	"os"
	"path/filepath"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// NodeKeyFileName is the file holding the node's hex-encoded secp256k1
// private key inside the data directory.
const NodeKeyFileName = "node_key.hex"

// LoadOrCreateNodeKey returns the node's signing key, generating and
// persisting a fresh one on first start.
func LoadOrCreateNodeKey(dataDir string) (*ecdsa.PrivateKey, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create data directory")
	}
	keyPath := filepath.Join(dataDir, NodeKeyFileName)
	if _, err := os.Stat(keyPath); err == nil {
		key, err := ethcrypto.LoadECDSA(keyPath)
		if err != nil {
			return nil, errors.Wrapf(err, "could not load node key from %s", keyPath)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "could not stat node key")
	}
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "could not generate node key")
	}
	if err := ethcrypto.SaveECDSA(keyPath, key); err != nil {
		return nil, errors.Wrapf(err, "could not persist node key to %s", keyPath)
	}
	return key, nil
}

// AddressOf derives the hex-encoded Ethereum address of a private key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}
