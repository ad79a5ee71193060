package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Typed-data hashes for the venue gateway. The gateway recomputes the same
// digests to authenticate a session and every transaction it relays.
var (
	// VenueDomain(string name,string version,uint256 chainId)
	venueDomainTypeHash = ethcrypto.Keccak256(
		[]byte("VenueDomain(string name,string version,uint256 chainId)"),
	)

	// SessionAuth(address authority,uint256 timestamp)
	sessionAuthTypeHash = ethcrypto.Keccak256(
		[]byte("SessionAuth(address authority,uint256 timestamp)"),
	)

	// VenueTransaction(string kind,bytes32 payloadHash)
	venueTxTypeHash = ethcrypto.Keccak256(
		[]byte("VenueTransaction(string kind,bytes32 payloadHash)"),
	)
)

const venueDomainName = "PerpVenue"

// Signer signs session handshakes and venue transactions with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded private key (0x prefix
// optional) bound to the venue's chain id.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  DomainSeparator(chainID),
	}, nil
}

// Address returns the address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignSession signs the SessionAuth message presented when opening a
// gateway session.
func (s *Signer) SignSession(authority string, timestamp int64) (string, error) {
	return s.signDigest(SessionDigest(s.domainSep, authority, timestamp))
}

// SignTransaction signs a venue-built transaction payload.
func (s *Signer) SignTransaction(kind string, payload []byte) (string, error) {
	return s.signDigest(TransactionDigest(s.domainSep, kind, payload))
}

// DomainSeparator returns the venue domain hash for chainID.
func DomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(concatBytes(
		venueDomainTypeHash,
		ethcrypto.Keccak256([]byte(venueDomainName)),
		ethcrypto.Keccak256([]byte("1")),
		bigIntTo32Bytes(big.NewInt(chainID)),
	))
}

// SessionDigest is the digest signed by SignSession.
func SessionDigest(domainSep []byte, authority string, timestamp int64) []byte {
	structHash := ethcrypto.Keccak256(concatBytes(
		sessionAuthTypeHash,
		common.LeftPadBytes(common.HexToAddress(authority).Bytes(), 32),
		bigIntTo32Bytes(big.NewInt(timestamp)),
	))
	return typedHash(domainSep, structHash)
}

// TransactionDigest is the digest signed by SignTransaction.
func TransactionDigest(domainSep []byte, kind string, payload []byte) []byte {
	structHash := ethcrypto.Keccak256(concatBytes(
		venueTxTypeHash,
		ethcrypto.Keccak256([]byte(kind)),
		ethcrypto.Keccak256(payload),
	))
	return typedHash(domainSep, structHash)
}

// RecoverAddress returns the address that produced sig over digest.
func RecoverAddress(digest []byte, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: signature is %d bytes, want 65", len(raw))
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	// Wallets expect v in {27, 28}.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// typedHash is keccak256("\x19\x01" || domainSeparator || structHash).
func typedHash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(parts ...[]byte) []byte {
	var size int
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// GenerateKeyHex returns a fresh secp256k1 private key, hex-encoded without
// the 0x prefix.
func GenerateKeyHex() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}
