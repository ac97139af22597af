// Package security signs outbound payloads so receivers can check that whale
// alerts come from this service and were not altered.
package security

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Algorithm names the signing scheme in Signature.
const Algorithm = "secp256k1-keccak256"

// ErrInvalidSignature is returned when a signature does not match the payload
// or the expected signer.
var ErrInvalidSignature = errors.New("invalid signature")

// Signature accompanies a signed payload. The signed bytes are the canonical
// JSON of the payload without its signature: object keys sorted, numbers
// kept as written, no insignificant whitespace.
type Signature struct {
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
	Algorithm string `json:"algorithm"`
	SignedAt  int64  `json:"signed_at"`
}

// Signer signs payloads with a secp256k1 key. The signer is identified by its
// Ethereum address.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

// NewSigner loads a hex private key. An empty key generates an ephemeral one,
// which is only useful when receivers learn the address from the logs.
func NewSigner(hexKey string) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	s := &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		now:     time.Now,
	}
	logrus.WithField("ephemeral", hexKey == "").Infof("Payload signer initialized with address %s", s.Address())
	return s, nil
}

// Address returns the signer's lowercased address.
func (s *Signer) Address() string {
	return strings.ToLower(s.address.Hex())
}

// Sign signs the JSON encoding of payload.
func (s *Signer) Sign(payload any) (*Signature, error) {
	hash, err := payloadHash(payload)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return &Signature{
		Signature: hexutil.Encode(sig),
		Signer:    s.Address(),
		Algorithm: Algorithm,
		SignedAt:  s.now().Unix(),
	}, nil
}

// Verify checks sig against payload. When expectedSigner is not empty the
// recovered address must match it.
func Verify(payload any, sig *Signature, expectedSigner string) error {
	if sig == nil {
		return fmt.Errorf("%w: missing", ErrInvalidSignature)
	}
	if sig.Algorithm != Algorithm {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidSignature, sig.Algorithm)
	}
	raw, err := hexutil.Decode(sig.Signature)
	if err != nil || len(raw) != crypto.SignatureLength {
		return fmt.Errorf("%w: malformed", ErrInvalidSignature)
	}
	hash, err := payloadHash(payload)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(hash, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), sig.Signer) {
		return fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidSignature, recovered.Hex(), sig.Signer)
	}
	if expectedSigner != "" && !strings.EqualFold(recovered.Hex(), expectedSigner) {
		return fmt.Errorf("%w: unexpected signer %s", ErrInvalidSignature, recovered.Hex())
	}
	return nil
}

func payloadHash(payload any) ([]byte, error) {
	data, err := canonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(data), nil
}

// canonicalJSON re-encodes payload through a generic value, which sorts
// object keys the way encoding/json orders map keys.
func canonicalJSON(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return json.Marshal(generic)
}
