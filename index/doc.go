// Package index implements the segmented document index: the Writer that
// buffers documents and flushes them into immutable segments, the commit
// protocol that publishes segment sets atomically, background merges, and
// point-in-time readers over a commit.
//
// A directory holds segment files and a numbered sequence of commit files
// (segments_1, segments_2, ...). The current commit is the newest one whose
// checksum is valid. Readers open a commit and never observe later writer
// activity.
//
//	w, err := index.OpenWriter(ctx, dir, index.WithMaxBufferedDocs(1000))
//	if err != nil {
//		return err
//	}
//	defer w.Close(ctx)
//
//	doc := document.New(document.NewStringField("id", "1", true))
//	if err := w.AddDocument(ctx, doc); err != nil {
//		return err
//	}
//	if _, err := w.Commit(ctx, nil); err != nil {
//		return err
//	}
package index
