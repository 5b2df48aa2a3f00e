package custody

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	stampHeader = "X-Stamp"
	stampScheme = "SIGNATURE_SCHEME_TK_API_P256"
)

// ErrInvalidAPIKey is returned when the API key pair cannot be parsed or does
// not belong together.
var ErrInvalidAPIKey = errors.New("invalid custody api key")

type stamp struct {
	PublicKey string `json:"publicKey"`
	Scheme    string `json:"scheme"`
	Signature string `json:"signature"`
}

// apiKey signs request bodies with the organization's P-256 API credential.
type apiKey struct {
	private   *ecdsa.PrivateKey
	publicHex string
}

func parseAPIKey(publicHex, privateHex string) (*apiKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(privateHex, "0x"))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 hex bytes", ErrInvalidAPIKey)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("%w: private key out of range", ErrInvalidAPIKey)
	}
	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw)

	derived := hex.EncodeToString(elliptic.MarshalCompressed(curve, priv.PublicKey.X, priv.PublicKey.Y))
	if publicHex != "" && !strings.EqualFold(strings.TrimPrefix(publicHex, "0x"), derived) {
		return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidAPIKey)
	}
	return &apiKey{private: priv, publicHex: derived}, nil
}

// stamp returns the X-Stamp header value for body.
func (k *apiKey) stamp(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, k.private, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	payload, err := json.Marshal(stamp{PublicKey: k.publicHex, Scheme: stampScheme, Signature: hex.EncodeToString(sig)})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}
