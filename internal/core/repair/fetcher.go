package repair

import (
	"context"
	"fmt"
	"time"

	"driftnet/internal/atproto/event"
	"driftnet/internal/atproto/identity"
)

// RecordApplier is the subset of EventProcessor's behavior the fetcher
// needs: applying one freshly-fetched op as though it had arrived over the
// firehose. internal/core/processor.EventProcessor satisfies this directly
// via its Process method wrapped in a single-op event.
type RecordApplier interface {
	Process(ctx context.Context, e event.Event) error
}

// ProcessorFetcher implements RecordFetcher by resolving the owning PDS
// via the identity resolver, fetching the record over public XRPC, and
// replaying it through the same processor path the firehose uses.
type ProcessorFetcher struct {
	reader    *PDSReader
	resolver  identity.Resolver
	processor RecordApplier
}

// NewProcessorFetcher wires a PDSReader and identity resolver into a
// fetcher that hands fetched records back to processor. The returned type
// satisfies RecordFetcher (for PDSRepairWorker) and also exposes
// BackfillUser directly for callers that need the one-shot backfill path.
func NewProcessorFetcher(reader *PDSReader, resolver identity.Resolver, processor RecordApplier) *ProcessorFetcher {
	return &ProcessorFetcher{reader: reader, resolver: resolver, processor: processor}
}

func (f *ProcessorFetcher) FetchAndApply(ctx context.Context, kind Kind, uri string) error {
	did, collection, rkey, ok := splitAtURI(uri)
	if !ok {
		return fmt.Errorf("cannot parse at-uri %s", uri)
	}

	// DIDs arriving via repair entries come from firehose payloads and can
	// carry the same junk user input does; clean before resolving so the
	// resolver caches the canonical form.
	did, ok = identity.SanitizeDID(did)
	if !ok {
		return fmt.Errorf("unsanitizable did in at-uri %s", uri)
	}

	pdsURL := f.resolver.ResolveDIDToPDS(ctx, did)
	if pdsURL == "" {
		return fmt.Errorf("no PDS resolved for %s", did)
	}

	value, cid, err := f.reader.GetRecord(ctx, pdsURL, did, collection, rkey)
	if err != nil {
		return err // may be *ErrRecordGone, which the caller treats as terminal
	}

	op := event.CommitOp{
		Action:     event.ActionCreate,
		Collection: collection,
		RKey:       rkey,
		CID:        cid,
		Record:     value,
	}
	e := event.Event{Kind: event.KindCommit, DID: did, Ops: []event.CommitOp{op}}
	if err := f.processor.Process(ctx, e); err != nil {
		return fmt.Errorf("replay fetched record %s: %w", uri, err)
	}
	return nil
}

// BackfillUser walks every record in the given collections for one DID,
// applying each through the processor path. Used for the "bypass cooldown,
// fully resync this user" operator action, and internally to implement the
// per-user cooldown that bounds how often an automatic backfill may run.
func (f *ProcessorFetcher) BackfillUser(ctx context.Context, did string, collections []string, cooldown time.Duration, lastBackfill time.Time, force bool) error {
	if !force && time.Since(lastBackfill) < cooldown {
		return nil
	}
	pdsURL := f.resolver.ResolveDIDToPDS(ctx, did)
	if pdsURL == "" {
		return fmt.Errorf("no PDS resolved for %s", did)
	}

	for _, collection := range collections {
		cursor := ""
		for {
			records, next, err := f.reader.ListRecords(ctx, pdsURL, did, collection, cursor, 100)
			if err != nil {
				return fmt.Errorf("list %s for %s: %w", collection, did, err)
			}
			for _, rec := range records {
				_, _, rkey, ok := splitAtURI(rec.URI)
				if !ok {
					continue
				}
				op := event.CommitOp{
					Action:     event.ActionCreate,
					Collection: collection,
					RKey:       rkey,
					CID:        rec.CID,
					Record:     rec.Value,
				}
				e := event.Event{Kind: event.KindCommit, DID: did, Ops: []event.CommitOp{op}}
				if err := f.processor.Process(ctx, e); err != nil {
					return fmt.Errorf("replay backfilled record %s: %w", rec.URI, err)
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return nil
}
