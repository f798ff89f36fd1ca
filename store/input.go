package store

import (
	"encoding/binary"
	"io"
)

// IndexInput is a random-access reader over the bytes of one file.
//
// Reads past the end, or malformed varints, set a sticky *CorruptionError that is
// returned by Err; subsequent reads return zero values.
type IndexInput struct {
	name   string
	data   []byte
	pos    int
	err    error
	closer io.Closer
}

// NewIndexInput wraps data. It is mainly useful for tests and in-memory slices.
func NewIndexInput(name string, data []byte) *IndexInput {
	return &IndexInput{name: name, data: data}
}

// Name returns the file name.
func (in *IndexInput) Name() string { return in.name }

// Len returns the number of bytes in the input.
func (in *IndexInput) Len() int { return len(in.data) }

// Pos returns the read position.
func (in *IndexInput) Pos() int { return in.pos }

// Err returns the first read error.
func (in *IndexInput) Err() error { return in.err }

// Bytes returns the whole underlying slice.
func (in *IndexInput) Bytes() []byte { return in.data }

// Seek moves the read position to off.
func (in *IndexInput) Seek(off int) {
	if off < 0 || off > len(in.data) {
		in.fail("seek to %d past end %d", off, len(in.data))
		return
	}
	in.pos = off
}

// Slice returns a sub-input over [off, off+n). The slice shares the data.
func (in *IndexInput) Slice(off, n int) *IndexInput {
	if off < 0 || n < 0 || off+n > len(in.data) {
		in.fail("slice [%d,%d) past end %d", off, off+n, len(in.data))
		return &IndexInput{name: in.name, err: in.err}
	}
	return &IndexInput{name: in.name, data: in.data[off : off+n]}
}

func (in *IndexInput) fail(format string, args ...any) {
	if in.err == nil {
		in.err = Corruptf(in.name, format, args...)
	}
}

func (in *IndexInput) need(n int) bool {
	if in.err != nil {
		return false
	}
	if n < 0 || in.pos+n > len(in.data) {
		in.fail("read past EOF at %d (+%d of %d)", in.pos, n, len(in.data))
		return false
	}
	return true
}

// ReadByte reads one byte.
func (in *IndexInput) ReadByte() (byte, error) {
	if !in.need(1) {
		return 0, in.err
	}
	b := in.data[in.pos]
	in.pos++
	return b, nil
}

// ReadBytes returns the next n bytes without copying.
func (in *IndexInput) ReadBytes(n int) []byte {
	if !in.need(n) {
		return nil
	}
	b := in.data[in.pos : in.pos+n]
	in.pos += n
	return b
}

// ReadUint32 reads a little endian uint32.
func (in *IndexInput) ReadUint32() uint32 {
	b := in.ReadBytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadUint64 reads a little endian uint64.
func (in *IndexInput) ReadUint64() uint64 {
	b := in.ReadBytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadUvarint reads an unsigned varint.
func (in *IndexInput) ReadUvarint() uint64 {
	if in.err != nil {
		return 0
	}
	v, n := binary.Uvarint(in.data[in.pos:])
	if n <= 0 {
		in.fail("malformed uvarint at %d", in.pos)
		return 0
	}
	in.pos += n
	return v
}

// ReadVarint reads a zig-zag varint.
func (in *IndexInput) ReadVarint() int64 {
	if in.err != nil {
		return 0
	}
	v, n := binary.Varint(in.data[in.pos:])
	if n <= 0 {
		in.fail("malformed varint at %d", in.pos)
		return 0
	}
	in.pos += n
	return v
}

// ReadInt reads a uvarint that must fit a non-negative int no larger than limit.
func (in *IndexInput) ReadInt(limit int) int {
	v := in.ReadUvarint()
	if in.err == nil && v > uint64(limit) {
		in.fail("value %d exceeds limit %d", v, limit)
		return 0
	}
	return int(v)
}

// ReadLenBytes reads a uvarint length prefixed byte slice without copying.
func (in *IndexInput) ReadLenBytes() []byte {
	n := in.ReadInt(len(in.data) - in.pos)
	return in.ReadBytes(n)
}

// ReadString reads a uvarint length prefixed string.
func (in *IndexInput) ReadString() string {
	return string(in.ReadLenBytes())
}

// CheckIntegrity re-verifies the footer checksum.
func (in *IndexInput) CheckIntegrity() error {
	return CheckFooter(in.name, in.data)
}

// Close releases the backing blob.
func (in *IndexInput) Close() error {
	if in.closer == nil {
		return nil
	}
	c := in.closer
	in.closer = nil
	return c.Close()
}
