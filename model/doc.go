// Package model defines the metadata value types shared by codecs and the index:
// field infos, segment descriptors and stored values.
package model
