package segidx

import (
	"context"
	"iter"

	"github.com/hupe1980/segidx/index"
	"github.com/hupe1980/segidx/model"
)

// Hit is one matching document of the last commit.
type Hit struct {
	// Doc is the global document ordinal within the commit. Ordinals change
	// when segments are merged.
	Doc    int
	Fields []model.StoredField
}

// Get returns the first stored value of the named field.
func (h Hit) Get(name string) (model.Value, bool) {
	for _, f := range h.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return model.Value{}, false
}

// Search returns up to limit documents of the last commit matched by c, in
// index order. A limit <= 0 returns every match.
//
// Example:
//
//	hits, err := ix.Search(ctx, index.Term{Field: "body", Text: "alpha"}, 10)
//	for _, h := range hits {
//	    id, _ := h.Get("id")
//	    fmt.Println(id)
//	}
func (ix *Index) Search(ctx context.Context, c index.Criterion, limit int) ([]Hit, error) {
	var hits []Hit
	for h, err := range ix.Stream(ctx, c) {
		if err != nil {
			return nil, err
		}
		hits = append(hits, h)
		if limit > 0 && len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// Stream iterates the documents of the last commit matched by c. The shared
// reader stays pinned until iteration ends.
//
// Example:
//
//	for h, err := range ix.Stream(ctx, index.MatchAll{}) {
//	    if err != nil {
//	        return err
//	    }
//	    process(h)
//	}
func (ix *Index) Stream(ctx context.Context, c index.Criterion) iter.Seq2[Hit, error] {
	return func(yield func(Hit, error) bool) {
		ix.mu.Lock()
		defer ix.mu.Unlock()

		r, err := ix.currentReaderLocked(ctx)
		if err != nil {
			yield(Hit{}, err)
			return
		}
		docs, err := r.Matching(c)
		if err != nil {
			yield(Hit{}, err)
			return
		}
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				yield(Hit{}, err)
				return
			}
			fields, err := r.Document(doc)
			if err != nil {
				yield(Hit{}, err)
				return
			}
			if !yield(Hit{Doc: doc, Fields: fields}, nil) {
				return
			}
		}
	}
}

// Count returns the number of live documents of the last commit matched by c.
func (ix *Index) Count(ctx context.Context, c index.Criterion) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	r, err := ix.currentReaderLocked(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := r.Matching(c)
	return len(docs), err
}
