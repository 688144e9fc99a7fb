package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// genjwks generates signing keys this AppView needs at startup:
//   - the default ES256 keypair for OAuth client authentication
//   - (with --service-key) an ES256K secp256k1 keypair for the inter-service
//     auth the AuthProxy signs with
//
// Usage:
//   go run cmd/genjwks/main.go               # ES256 OAuth client key
//   go run cmd/genjwks/main.go --service-key  # ES256K service auth key
func main() {
	if len(os.Args) > 1 && os.Args[1] == "--service-key" {
		generateServiceKey()
		return
	}

	fmt.Println("Generating ES256 keypair for OAuth client authentication...")

	// Generate ES256 (NIST P-256) private key
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		log.Fatalf("Failed to generate private key: %v", err)
	}

	// Convert to JWK
	jwkKey, err := jwk.FromRaw(privateKey)
	if err != nil {
		log.Fatalf("Failed to create JWK from private key: %v", err)
	}

	// Set key parameters
	if err := jwkKey.Set(jwk.KeyIDKey, "oauth-client-key"); err != nil {
		log.Fatalf("Failed to set kid: %v", err)
	}
	if err := jwkKey.Set(jwk.AlgorithmKey, "ES256"); err != nil {
		log.Fatalf("Failed to set alg: %v", err)
	}
	if err := jwkKey.Set(jwk.KeyUsageKey, "sig"); err != nil {
		log.Fatalf("Failed to set use: %v", err)
	}

	// Marshal to JSON
	jsonData, err := json.MarshalIndent(jwkKey, "", "  ")
	if err != nil {
		log.Fatalf("Failed to marshal JWK: %v", err)
	}

	// Output instructions
	fmt.Println("\n✅ ES256 keypair generated successfully!")
	fmt.Println("\n📝 Add this to your .env.dev file:")
	fmt.Println("\nOAUTH_PRIVATE_JWK='" + string(jsonData) + "'")
	fmt.Println("\n⚠️  IMPORTANT:")
	fmt.Println("   - Keep this private key SECRET")
	fmt.Println("   - Never commit it to version control")
	fmt.Println("   - Generate a new key for production")
	fmt.Println("   - The public key will be automatically derived and served at /oauth/jwks.json")

	// Optionally write to a file (not committed)
	if len(os.Args) > 1 && os.Args[1] == "--save" {
		filename := "oauth-private-key.json"
		if err := os.WriteFile(filename, jsonData, 0600); err != nil {
			log.Fatalf("Failed to write key file: %v", err)
		}
		fmt.Printf("\n💾 Private key saved to %s (remember to add to .gitignore!)\n", filename)
	}
}

// generateServiceKey generates an ES256K (secp256k1) keypair for signing
// atProto inter-service auth JWTs (internal/atproto/auth.SignServiceJWT).
// The raw private scalar is printed as hex since that's all
// secp256k1.PrivKeyFromBytes needs to reconstruct it at startup.
func generateServiceKey() {
	fmt.Println("Generating ES256K keypair for inter-service auth...")

	privKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		log.Fatalf("Failed to generate private key: %v", err)
	}

	privHex := hex.EncodeToString(privKey.Serialize())
	pubHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())

	fmt.Println("\n✅ ES256K keypair generated successfully!")
	fmt.Println("\n📝 Add this to your .env.dev file:")
	fmt.Println("\nSERVICE_SIGNING_KEY=" + privHex)
	fmt.Println("\nCompressed public key (for out-of-band verification, not stored server-side):")
	fmt.Println(pubHex)
	fmt.Println("\n⚠️  Keep SERVICE_SIGNING_KEY secret; it signs requests this AppView makes to PDSs as itself.")
}
