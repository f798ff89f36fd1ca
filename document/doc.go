// Package document is the ingestion API: a document is an ordered list of
// fields, and each field's type decides which segment formats it goes to.
package document
