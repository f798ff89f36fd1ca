package index

import "fmt"

// Criterion selects documents for DeleteDocuments and UpdateDocument.
type Criterion interface {
	matchesBuffered(d *bufferedDoc) bool
	// collect calls fn with every matching ordinal of a segment, deleted or not.
	collect(core *segmentCore, fn func(doc int)) error
}

// Term matches documents that indexed Text as a term of Field.
type Term struct {
	Field string
	Text  string
}

func (t Term) String() string { return fmt.Sprintf("%s:%s", t.Field, t.Text) }

func (t Term) matchesBuffered(d *bufferedDoc) bool { return d.hasTerm(t.Field, t.Text) }

func (t Term) collect(core *segmentCore, fn func(int)) error {
	pe, ok, err := core.postings(t.Field, []byte(t.Text))
	if err != nil || !ok {
		return err
	}
	for {
		doc, err := pe.NextDoc()
		if err != nil {
			return err
		}
		if doc == noMoreDocs {
			return nil
		}
		fn(doc)
	}
}

// MatchAll matches every document.
type MatchAll struct{}

func (MatchAll) matchesBuffered(*bufferedDoc) bool { return true }

func (MatchAll) collect(core *segmentCore, fn func(int)) error {
	for doc := range core.info.MaxDoc {
		fn(doc)
	}
	return nil
}

type anyTerm []Term

// AnyTerm matches documents that contain at least one of terms.
func AnyTerm(terms ...Term) Criterion { return anyTerm(terms) }

func (a anyTerm) matchesBuffered(d *bufferedDoc) bool {
	for _, t := range a {
		if t.matchesBuffered(d) {
			return true
		}
	}
	return false
}

func (a anyTerm) collect(core *segmentCore, fn func(int)) error {
	for _, t := range a {
		if err := t.collect(core, fn); err != nil {
			return err
		}
	}
	return nil
}
