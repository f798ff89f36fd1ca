package store

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

const (
	// CodecMagic starts every index file.
	CodecMagic uint32 = 0x3fd76c17
	// FooterMagic starts every footer.
	FooterMagic = ^CodecMagic
	// FooterLength is the size of the footer in bytes.
	FooterLength = 16
	// AlgorithmCRC32C identifies the CRC-32C footer checksum.
	AlgorithmCRC32C uint32 = 0
	// IDLength is the length of segment and commit ids.
	IDLength = 16
)

// Header identifies the content of a file.
type Header struct {
	Format  string
	Version int
	ID      [IDLength]byte
	Suffix  string
}

// WriteHeader writes the file header.
func WriteHeader(out *IndexOutput, h Header) {
	out.WriteUint32(CodecMagic)
	out.WriteString(h.Format)
	out.WriteUint32(uint32(h.Version))
	out.WriteBytes(h.ID[:])
	out.WriteString(h.Suffix)
}

// ReadHeader reads a header without validating anything but the magic.
func ReadHeader(in *IndexInput) (Header, error) {
	var h Header
	if magic := in.ReadUint32(); in.Err() == nil && magic != CodecMagic {
		return h, Corruptf(in.Name(), "header magic %#x, want %#x", magic, CodecMagic)
	}
	h.Format = in.ReadString()
	h.Version = int(in.ReadUint32())
	copy(h.ID[:], in.ReadBytes(IDLength))
	h.Suffix = in.ReadString()
	return h, in.Err()
}

// CheckHeader reads the header and validates format, version range, id and suffix.
// A version outside [minVersion, maxVersion] yields an *UnsupportedFormatError.
func CheckHeader(in *IndexInput, format string, minVersion, maxVersion int, id []byte, suffix string) (int, error) {
	h, err := ReadHeader(in)
	if err != nil {
		return 0, err
	}
	if h.Format != format {
		return 0, Corruptf(in.Name(), "format %q, want %q", h.Format, format)
	}
	if h.Version < minVersion || h.Version > maxVersion {
		return 0, &UnsupportedFormatError{
			Resource: in.Name(),
			Format:   format,
			Version:  h.Version,
			Min:      minVersion,
			Max:      maxVersion,
		}
	}
	if id != nil && !bytes.Equal(h.ID[:], id) {
		return 0, Corruptf(in.Name(), "file belongs to another segment")
	}
	if h.Suffix != suffix {
		return 0, Corruptf(in.Name(), "suffix %q, want %q", h.Suffix, suffix)
	}
	return h.Version, nil
}

// WriteFooter appends the footer. It must be the last write to out.
func WriteFooter(out *IndexOutput) error {
	out.WriteUint32(FooterMagic)
	out.WriteUint32(AlgorithmCRC32C)
	out.WriteUint64(uint64(out.Checksum()))
	return out.Err()
}

// Checksum returns the CRC-32C of data.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// CheckFooter validates the footer of a complete file.
func CheckFooter(name string, data []byte) error {
	if len(data) < FooterLength {
		return Corruptf(name, "file too short for footer: %d bytes", len(data))
	}

	footer := data[len(data)-FooterLength:]
	if magic := binary.LittleEndian.Uint32(footer[0:4]); magic != FooterMagic {
		return Corruptf(name, "footer magic %#x, want %#x", magic, FooterMagic)
	}
	if algo := binary.LittleEndian.Uint32(footer[4:8]); algo != AlgorithmCRC32C {
		return Corruptf(name, "unknown checksum algorithm %d", algo)
	}

	stored := binary.LittleEndian.Uint64(footer[8:16])
	if stored>>32 != 0 {
		return Corruptf(name, "illegal checksum %#x", stored)
	}
	actual := Checksum(data[:len(data)-8])
	if uint32(stored) != actual {
		return Corruptf(name, "checksum mismatch: stored %#x, actual %#x", stored, actual)
	}
	return nil
}

// ContentLen returns the number of bytes before the footer.
func (in *IndexInput) ContentLen() int {
	return max(0, len(in.data)-FooterLength)
}
