// Package auth implements wallet challenge/response authentication
// (Sign-In With Ethereum) and the bearer-token lifecycle built on top of
// it.
package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/types"
)

// ChallengeSigner holds the node's wallet private key and produces the
// canonical SIWE message plus its recoverable secp256k1 signature.
type ChallengeSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewChallengeSignerFromHex builds a ChallengeSigner from a hex-encoded
// secp256k1 private key (with or without a leading "0x").
func NewChallengeSignerFromHex(hexKey string) (*ChallengeSigner, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.Configuration, "decode wallet private key", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &ChallengeSigner{key: key, address: strings.ToLower(addr.Hex())}, nil
}

// Address returns the lowercase hex-encoded wallet address this signer
// authenticates as.
func (c *ChallengeSigner) Address() string { return c.address }

// ComposeMessage builds the canonical SIWE message for meta, in the exact
// field order the discovery service expects when verifying the signature.
// Adding an empty resource list is equivalent to omitting it.
func ComposeMessage(meta types.SiweRequestMeta, address string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", meta.Domain)
	fmt.Fprintf(&b, "%s\n\n", address)
	fmt.Fprintf(&b, "URI: %s\n", meta.URI)
	fmt.Fprintf(&b, "Version: %s\n", meta.Version)
	fmt.Fprintf(&b, "Chain ID: %d\n", meta.ChainID)
	fmt.Fprintf(&b, "Nonce: %s\n", meta.Nonce)
	fmt.Fprintf(&b, "Issued At: %s", meta.IssuedAt.UTC().Format("2006-01-02T15:04:05Z"))
	if len(meta.Resources) > 0 {
		b.WriteString("\n\nResources:")
		for _, r := range meta.Resources {
			fmt.Fprintf(&b, "\n- %s", r)
		}
	}
	return b.String()
}

// ethereumMessageDigest hashes msg the way an Ethereum wallet would before
// signing: Keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg).
func ethereumMessageDigest(msg string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)
	return crypto.Keccak256([]byte(prefixed))
}

// SignMessage signs msg and returns the 65-byte signature hex-encoded with
// a leading "0x", with the recovery id shifted into Ethereum's [27,28]
// convention.
func (c *ChallengeSigner) SignMessage(msg string) (string, error) {
	digest := ethereumMessageDigest(msg)
	sig, err := crypto.Sign(digest, c.key)
	if err != nil {
		return "", cnerrors.Wrap(cnerrors.LocalLogic, "sign siwe message", err)
	}
	if len(sig) != 65 {
		return "", cnerrors.New(cnerrors.LocalLogic, "unexpected signature length")
	}
	sig[64] += 27
	return "0x" + fmt.Sprintf("%x", sig), nil
}

// SignRequestMeta composes and signs the canonical message for meta,
// returning both the message and its signature so callers can submit them
// to the discovery /verify endpoint.
func (c *ChallengeSigner) SignRequestMeta(meta types.SiweRequestMeta) (message, signature string, err error) {
	message = ComposeMessage(meta, c.address)
	signature, err = c.SignMessage(message)
	return message, signature, err
}
