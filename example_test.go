package segidx_test

import (
	"context"
	"fmt"
	"log"

	"github.com/hupe1980/segidx"
	"github.com/hupe1980/segidx/document"
	"github.com/hupe1980/segidx/index"
)

// Example_quickStart adds documents, commits them and searches the commit.
func Example_quickStart() {
	ctx := context.Background()
	ix, err := segidx.Open(ctx, segidx.Memory())
	if err != nil {
		log.Fatal(err)
	}
	defer ix.Close(ctx)

	for id, body := range []string{"red apple", "green apple", "red cherry"} {
		err := ix.Add(ctx, document.New(
			document.NewStringField("id", fmt.Sprint(id), true),
			document.NewTextField("body", body, true),
		))
		if err != nil {
			log.Fatal(err)
		}
	}
	if _, err := ix.Commit(ctx, nil); err != nil {
		log.Fatal(err)
	}

	hits, err := ix.Search(ctx, index.Term{Field: "body", Text: "red"}, 10)
	if err != nil {
		log.Fatal(err)
	}
	for _, h := range hits {
		body, _ := h.Get("body")
		fmt.Println(body)
	}
	// Output:
	// red apple
	// red cherry
}

// Example_snapshotIsolation shows that an open reader keeps its commit.
func Example_snapshotIsolation() {
	ctx := context.Background()
	ix, _ := segidx.Open(ctx, segidx.Memory())
	defer ix.Close(ctx)

	_ = ix.Add(ctx, document.New(document.NewStringField("id", "1", true)))
	_ = ix.Add(ctx, document.New(document.NewStringField("id", "2", true)))
	_, _ = ix.Commit(ctx, nil)

	old, _ := ix.OpenReader(ctx)
	defer old.Close(ctx)

	_, _ = ix.Delete(ctx, index.Term{Field: "id", Text: "2"})
	_, _ = ix.Commit(ctx, nil)

	n, _ := ix.Count(ctx, index.MatchAll{})
	fmt.Println("old reader:", old.NumDocs())
	fmt.Println("new commit:", n)
	// Output:
	// old reader: 2
	// new commit: 1
}

// Example_rollback discards uncommitted changes.
func Example_rollback() {
	ctx := context.Background()
	ix, _ := segidx.Open(ctx, segidx.Memory())
	defer ix.Close(ctx)

	_ = ix.Add(ctx, document.New(document.NewStringField("id", "1", true)))
	_, _ = ix.Commit(ctx, nil)

	_ = ix.Add(ctx, document.New(document.NewStringField("id", "2", true)))
	_ = ix.Rollback(ctx)

	fmt.Println(ix.NumDocs())
	// Output: 1
}
