// Package codec defines the pluggable per-concern segment formats and the
// registry that resolves a codec name recorded in a segment to its
// implementation.
//
// A codec, once shipped, is never modified. New encodings ship as a new
// codec name so that every segment ever written stays readable.
package codec
