// Package cache holds decompressed stored fields blocks of open segments.
//
// Segment files never change after they are written, so a block is
// identified by its file name and block number for as long as the file
// exists. Readers drop a file's blocks when they close it.
package cache
