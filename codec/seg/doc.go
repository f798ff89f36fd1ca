// Package seg implements the shipped segment codecs.
//
// Importing the package registers Seg09, Seg10 and Seg11 in the default codec
// registry. Seg11 is used for new segments; the older codecs stay readable.
//
//	Codec  Stored fields  Postings
//	Seg09  snappy         delta varint
//	Seg10  lz4            delta varint
//	Seg11  zstd           delta varint + term bloom filter
package seg
