package wellknown

import "net/http"

// HandleAtprotoDID serves this service's own DID for did:web verification.
// GET /.well-known/atproto-did
//
// Returns the DID as plain text, matching what handle resolution over
// HTTPS expects from any atproto host.
func HandleAtprotoDID(did string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if did == "" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(did))
	}
}
