package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// personalHash computes the "Ethereum personal_sign" envelope over a text
// message: keccak256("\x19Ethereum Signed Message:\n" + len(text) + text).
func personalHash(text string) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(text), text)
	return ethcrypto.Keccak256([]byte(msg))
}

// SignText signs text under the personal-sign envelope and returns the
// 65-byte (r,s,v) signature as 0x-prefixed hex with v in {27,28}.
func SignText(key *ecdsa.PrivateKey, text string) (string, error) {
	sig, err := ethcrypto.Sign(personalHash(text), key)
	if err != nil {
		return "", errors.Wrap(err, "could not sign message")
	}
	// Wallets encode the recovery id as 27/28.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifyText recovers the signer of text from sigHex and compares it to the
// claimed address, case-insensitively. Any malformed input verifies false.
func VerifyText(claimed, text, sigHex string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return false
	}
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}
	pub, err := ethcrypto.SigToPub(personalHash(text), sig)
	if err != nil {
		return false
	}
	recovered := ethcrypto.PubkeyToAddress(*pub).Hex()
	return strings.EqualFold(recovered, claimed)
}
