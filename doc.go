// Package segidx provides an embedded, segment-based inverted index for Go.
//
// An index is a set of immutable segments plus a generation-numbered commit
// file naming the live set. Writers buffer documents in memory, flush them
// into new segments, and publish them atomically with Commit. Readers open a
// commit and see exactly that snapshot, no matter what writers or merges do
// afterwards.
//
// # Quick Start
//
// Local mode:
//
//	ctx := context.Background()
//	ix, _ := segidx.Open(ctx, segidx.Local("./data"))
//	defer ix.Close(ctx)
//
//	_ = ix.Add(ctx, document.New(
//	    document.NewStringField("id", "1", true),
//	    document.NewTextField("body", "hello segments", true),
//	))
//	_, _ = ix.Commit(ctx, nil)
//
//	hits, _ := ix.Search(ctx, index.Term{Field: "body", Text: "hello"}, 10)
//
// Cloud mode:
//
//	st := s3.NewStore(client, "my-bucket", "products/")
//	ix, _ := segidx.Open(ctx, segidx.Remote(st), segidx.WithCacheDir("/fast/nvme"))
//
// # Durability Model
//
// Nothing a writer does is visible to readers until Commit returns:
//
//	ix.Add(ctx, doc)      // buffered in memory
//	ix.Commit(ctx, nil)   // durable and visible after this
//	ix.Rollback(ctx)      // or: back to the last commit
//
// A crash at any point leaves the index at its last completed commit.
//
// # Merging
//
// Small segments are merged in the background by a tiered merge policy.
// ForceMerge rewrites the committed index into at most n segments and
// physically drops deleted documents.
//
// The index, store, codec and blobstore packages expose the full API; this
// package wires them together for the common case.
package segidx
