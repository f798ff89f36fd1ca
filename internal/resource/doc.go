// Package resource bounds what an index writer may consume in the background.
//
// A Controller counts merge slots with x/sync/semaphore, paces merge output
// with an x/time/rate token bucket and tracks bytes held by document buffers
// and block caches.
//
//	rc := resource.NewController(resource.Config{MergeSlots: 2, MergeBytesPerSec: 64 << 20})
//	out := resource.NewThrottledWriter(ctx, blob, rc)
package resource
