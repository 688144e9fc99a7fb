package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// AlgorithmES256K is atProto's inter-service auth signing algorithm: ECDSA
// over the secp256k1 curve, the same curve `did:key` identities commonly
// use. golang-jwt/jwt/v5 (the library this package otherwise relies on for
// HS256/RS256/ES256 verification) has no secp256k1 support, so service-JWT signing is
// done directly against `decred/dcrd/dcrec/secp256k1/v4`, which Indigo
// already pulls in.
const AlgorithmES256K = "ES256K"

// ServiceJWTKeyID is the conventional key identifier atProto service auth
// tokens carry.
const ServiceJWTKeyID = "atproto"

// ServiceJWTClaims carries the minimal claim set the AuthProxy needs
// to mint a short-lived service-to-service token: who is asking (iss), who
// it's for (aud), and for how long (iat/exp), plus the optional lxm
// (lexicon method) restriction atProto service auth uses to scope a token
// to one XRPC procedure.
type ServiceJWTClaims struct {
	Issuer         string `json:"iss"`
	Audience       string `json:"aud"`
	IssuedAt       int64  `json:"iat"`
	ExpiresAt      int64  `json:"exp"`
	LexiconMethod  string `json:"lxm,omitempty"`
}

// LoadServiceSigningKey decodes the hex-encoded secp256k1 scalar produced
// by `genjwks --service-key` (via SERVICE_SIGNING_KEY) into a private key
// usable with SignServiceJWT.
func LoadServiceSigningKey(hexKey string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode service signing key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("service signing key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// SignServiceJWT produces a compact ES256K JWT for the given claims, using
// privKey as the signing key. The signature is the canonical low-s r||s
// encoding atProto's JWT profile requires (as opposed to DER encoding,
// which most ECDSA JWT libraries default to and which atProto verifiers
// reject).
func SignServiceJWT(privKey *secp256k1.PrivateKey, claims ServiceJWTClaims, ttl time.Duration) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = time.Now().Unix()
	}
	if claims.ExpiresAt == 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}

	header := map[string]string{"alg": AlgorithmES256K, "typ": "JWT", "kid": ServiceJWTKeyID}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	sig := signLowS(privKey, digest[:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// signLowS produces a raw r||s signature (32 fixed-width bytes each) with
// s normalized to the curve's lower half, per BIP-0062 / atProto's JWT
// profile. The ecdsa subpackage's Sign already yields low-s signatures,
// but the guarantee is re-asserted here explicitly rather than left
// implicit in a third-party default, and the scalars are serialized
// directly since Signature.Serialize() returns DER, not the raw
// concatenation JWTs need.
func signLowS(privKey *secp256k1.PrivateKey, digest []byte) []byte {
	sig := secpecdsa.Sign(privKey, digest)

	r := sig.R()
	s := sig.S()
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	rBytes := r.Bytes()
	sBytes := s.Bytes()
	out := make([]byte, 64)
	copy(out[:32], rBytes[:])
	copy(out[32:], sBytes[:])
	return out
}

// SignServiceJWTHS256 is the fallback signer used when no secp256k1 key is
// configured: the same claim set, HMAC-signed with the shared session
// secret. Only services sharing that secret can verify these, so the
// fallback is for single-operator deployments where the AppView and its
// PDS trust the same config.
func SignServiceJWTHS256(secret []byte, claims ServiceJWTClaims, ttl time.Duration) (string, error) {
	if claims.IssuedAt == 0 {
		claims.IssuedAt = time.Now().Unix()
	}
	if claims.ExpiresAt == 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}

	header := map[string]string{"alg": "HS256", "typ": "JWT", "kid": ServiceJWTKeyID}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
