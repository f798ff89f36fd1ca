package store

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/hupe1980/segidx/blobstore"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// IndexOutput is a buffered, checksumming sequential writer over one file.
//
// Write errors are sticky: after the first failure every write is a no-op and
// Err, Close and WriteFooter return the error.
type IndexOutput struct {
	name string
	blob blobstore.WritableBlob
	w    *bufio.Writer
	crc  uint32
	pos  int64
	err  error
	done bool

	scratch [binary.MaxVarintLen64]byte
}

func newIndexOutput(name string, blob blobstore.WritableBlob, sink io.Writer) *IndexOutput {
	return &IndexOutput{
		name: name,
		blob: blob,
		w:    bufio.NewWriterSize(sink, 64*1024),
	}
}

// Name returns the file name.
func (o *IndexOutput) Name() string { return o.name }

// FilePointer returns the number of bytes written so far.
func (o *IndexOutput) FilePointer() int64 { return o.pos }

// Checksum returns the CRC-32C of the bytes written so far.
func (o *IndexOutput) Checksum() uint32 { return o.crc }

// Err returns the first write error.
func (o *IndexOutput) Err() error { return o.err }

// Write implements io.Writer.
func (o *IndexOutput) Write(p []byte) (int, error) {
	if o.err != nil {
		return 0, o.err
	}
	n, err := o.w.Write(p)
	o.crc = crc32.Update(o.crc, castagnoli, p[:n])
	o.pos += int64(n)
	if err != nil {
		o.err = wrapIO("write", o.name, err)
	}
	return n, o.err
}

// WriteByte writes a single byte.
func (o *IndexOutput) WriteByte(b byte) error {
	o.scratch[0] = b
	_, err := o.Write(o.scratch[:1])
	return err
}

// WriteBytes writes p without a length prefix.
func (o *IndexOutput) WriteBytes(p []byte) {
	_, _ = o.Write(p)
}

// WriteUint32 writes v little endian.
func (o *IndexOutput) WriteUint32(v uint32) {
	binary.LittleEndian.PutUint32(o.scratch[:4], v)
	_, _ = o.Write(o.scratch[:4])
}

// WriteUint64 writes v little endian.
func (o *IndexOutput) WriteUint64(v uint64) {
	binary.LittleEndian.PutUint64(o.scratch[:8], v)
	_, _ = o.Write(o.scratch[:8])
}

// WriteUvarint writes v as an unsigned varint.
func (o *IndexOutput) WriteUvarint(v uint64) {
	n := binary.PutUvarint(o.scratch[:], v)
	_, _ = o.Write(o.scratch[:n])
}

// WriteVarint writes v as a zig-zag varint.
func (o *IndexOutput) WriteVarint(v int64) {
	n := binary.PutVarint(o.scratch[:], v)
	_, _ = o.Write(o.scratch[:n])
}

// WriteLenBytes writes p prefixed with its uvarint length.
func (o *IndexOutput) WriteLenBytes(p []byte) {
	o.WriteUvarint(uint64(len(p)))
	_, _ = o.Write(p)
}

// WriteString writes s prefixed with its uvarint length.
func (o *IndexOutput) WriteString(s string) {
	o.WriteUvarint(uint64(len(s)))
	_, _ = o.Write([]byte(s))
}

// Close flushes and finishes the file. It does not make the file durable;
// see Directory.Sync.
func (o *IndexOutput) Close() error {
	if o.done {
		return o.err
	}
	o.done = true

	if o.err == nil {
		if err := o.w.Flush(); err != nil {
			o.err = wrapIO("flush", o.name, err)
		}
	}
	if o.err != nil {
		_ = o.blob.Abort()
		return o.err
	}
	if err := o.blob.Close(); err != nil {
		o.err = wrapIO("close", o.name, err)
		_ = o.blob.Abort()
	}
	return o.err
}

// Abort discards the file.
func (o *IndexOutput) Abort() error {
	if o.done {
		return nil
	}
	o.done = true
	return o.blob.Abort()
}
