package routes

import (
	"github.com/go-chi/chi/v5"

	"driftnet/internal/api/handlers/xrpc"
)

// RegisterXRPCProxyRoutes mounts the pass-through XRPC surface: session
// management and repo writes relayed to the caller's PDS, public repo
// reads relayed to the record owner's PDS, feed skeletons to the feed
// generator, plus the user-initiated backfill endpoint.
func RegisterXRPCProxyRoutes(r chi.Router, h *xrpc.ProxyHandler) {
	r.Post("/xrpc/com.atproto.server.createSession", h.HandleCreateSession)
	r.Post("/xrpc/com.atproto.server.refreshSession", h.HandleSessionPassthrough)
	r.Get("/xrpc/com.atproto.server.getSession", h.HandleSessionPassthrough)
	r.Post("/xrpc/com.atproto.server.deleteSession", h.HandleSessionPassthrough)

	r.Post("/xrpc/com.atproto.repo.createRecord", h.HandleRepoWrite)
	r.Post("/xrpc/com.atproto.repo.deleteRecord", h.HandleRepoWrite)
	r.Get("/xrpc/com.atproto.repo.getRecord", h.HandleRepoRead)
	r.Get("/xrpc/com.atproto.repo.listRecords", h.HandleRepoRead)

	r.Get("/xrpc/app.bsky.feed.getFeedSkeleton", h.HandleGetFeedSkeleton)

	r.Post("/api/user/backfill", h.HandleBackfill)
}
