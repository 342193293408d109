package jpeg2k

import (
	"bufio"
	"errors"
	"io"
)

// ErrTruncated signals that a bitstream ended before a complete structure was read
var ErrTruncated = errors.New("truncated bitstream")

// PacketBitWriter writes packet header bits MSB first with the Tier-2 bit
// stuffing rule: a byte following 0xFF only carries 7 bits (T.800 B.10.1).
type PacketBitWriter struct {
	out []byte
	buf uint32 // last two bytes, the completed one in bits 8-15
	ct  int    // free bits left in the current byte
}

// NewPacketBitWriter creates a writer that appends to dst
func NewPacketBitWriter(dst []byte) *PacketBitWriter {
	return &PacketBitWriter{out: dst, ct: 8}
}

func (b *PacketBitWriter) byteOut() {
	b.buf = (b.buf << 8) & 0xFFFF
	if b.buf == 0xFF00 {
		b.ct = 7
	} else {
		b.ct = 8
	}
	b.out = append(b.out, byte(b.buf>>8))
}

// WriteBit writes a single bit
func (b *PacketBitWriter) WriteBit(bit int) {
	if b.ct == 0 {
		b.byteOut()
	}
	b.ct--
	b.buf |= uint32(bit&1) << b.ct
}

// WriteBits writes the n low bits of v, most significant first
func (b *PacketBitWriter) WriteBits(v uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		b.WriteBit(int(v>>i) & 1)
	}
}

// Flush completes the current byte with zero bits and returns the output. A
// header never ends on 0xFF: a zero byte is appended in that case.
func (b *PacketBitWriter) Flush() []byte {
	b.byteOut()
	if b.ct == 7 {
		b.byteOut()
	}
	b.buf = 0
	b.ct = 8
	return b.out
}

// PacketBitReader is the reading side of PacketBitWriter
type PacketBitReader struct {
	data []byte
	pos  int
	buf  uint32
	ct   int // unread bits in the current byte
}

// NewPacketBitReader reads packet header bits from data
func NewPacketBitReader(data []byte) *PacketBitReader {
	return &PacketBitReader{data: data}
}

func (b *PacketBitReader) byteIn() error {
	if b.pos >= len(b.data) {
		return ErrTruncated
	}
	b.buf = (b.buf << 8) & 0xFFFF
	if b.buf == 0xFF00 {
		b.ct = 7
	} else {
		b.ct = 8
	}
	b.buf |= uint32(b.data[b.pos])
	b.pos++
	return nil
}

// ReadBit reads a single bit
func (b *PacketBitReader) ReadBit() (int, error) {
	if b.ct == 0 {
		if err := b.byteIn(); err != nil {
			return 0, err
		}
	}
	b.ct--
	return int(b.buf>>b.ct) & 1, nil
}

// ReadBits reads n bits (n <= 32)
func (b *PacketBitReader) ReadBits(n int) (uint32, error) {
	var v uint32
	for i := 0; i < n; i++ {
		bit, err := b.ReadBit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint32(bit)
	}
	return v, nil
}

// Align discards the rest of the current byte, and the stuffed byte that
// follows a trailing 0xFF, returning the number of header bytes consumed.
func (b *PacketBitReader) Align() (int, error) {
	if b.buf&0xFF == 0xFF {
		if err := b.byteIn(); err != nil {
			return 0, err
		}
	}
	b.ct = 0
	return b.pos, nil
}

// ByteReader provides raw byte access with buffering
type ByteReader struct {
	r *bufio.Reader
	n int64
}

// NewByteReader creates a new byte reader
func NewByteReader(r io.Reader) *ByteReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ByteReader{r: br}
}

// Offset returns the number of bytes consumed so far
func (b *ByteReader) Offset() int64 {
	return b.n
}

// ReadByte reads a single byte
func (b *ByteReader) ReadByte() (byte, error) {
	c, err := b.r.ReadByte()
	if err != nil {
		return 0, eofAsTruncated(err)
	}
	b.n++
	return c, nil
}

// ReadUint16 reads a big-endian uint16
func (b *ByteReader) ReadUint16() (uint16, error) {
	hi, err := b.ReadByte()
	if err != nil {
		return 0, err
	}
	lo, err := b.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// ReadUint32 reads a big-endian uint32
func (b *ByteReader) ReadUint32() (uint32, error) {
	var val uint32
	for i := 0; i < 4; i++ {
		c, err := b.ReadByte()
		if err != nil {
			return 0, err
		}
		val = (val << 8) | uint32(c)
	}
	return val, nil
}

// ReadUint64 reads a big-endian uint64
func (b *ByteReader) ReadUint64() (uint64, error) {
	hi, err := b.ReadUint32()
	if err != nil {
		return 0, err
	}
	lo, err := b.ReadUint32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// ReadBytes reads n bytes
func (b *ByteReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrTruncated
	}
	data := make([]byte, n)
	got, err := io.ReadFull(b.r, data)
	b.n += int64(got)
	if err != nil {
		return nil, eofAsTruncated(err)
	}
	return data, nil
}

// Peek returns the next n bytes without consuming them
func (b *ByteReader) Peek(n int) ([]byte, error) {
	data, err := b.r.Peek(n)
	if err != nil {
		return data, eofAsTruncated(err)
	}
	return data, nil
}

// ReadUpTo reads at most n bytes, fewer when the stream ends first
func (b *ByteReader) ReadUpTo(n int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(b.r, n))
	b.n += int64(len(data))
	return data, err
}

// ReadAll reads up to EOF
func (b *ByteReader) ReadAll() ([]byte, error) {
	data, err := io.ReadAll(b.r)
	b.n += int64(len(data))
	return data, err
}

// Skip discards n bytes
func (b *ByteReader) Skip(n int) error {
	if n < 0 {
		return ErrTruncated
	}
	got, err := b.r.Discard(n)
	b.n += int64(got)
	return eofAsTruncated(err)
}

func eofAsTruncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// ByteWriter provides raw byte access with buffering
type ByteWriter struct {
	w *bufio.Writer
	n int64
}

// NewByteWriter creates a new byte writer
func NewByteWriter(w io.Writer) *ByteWriter {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}
	return &ByteWriter{w: bw}
}

// Count returns the number of bytes written so far
func (b *ByteWriter) Count() int64 {
	return b.n
}

// WriteByte writes a single byte
func (b *ByteWriter) WriteByte(c byte) error {
	if err := b.w.WriteByte(c); err != nil {
		return err
	}
	b.n++
	return nil
}

// WriteUint16 writes a big-endian uint16
func (b *ByteWriter) WriteUint16(v uint16) error {
	if err := b.WriteByte(byte(v >> 8)); err != nil {
		return err
	}
	return b.WriteByte(byte(v))
}

// WriteUint32 writes a big-endian uint32
func (b *ByteWriter) WriteUint32(v uint32) error {
	for i := 24; i >= 0; i -= 8 {
		if err := b.WriteByte(byte(v >> i)); err != nil {
			return err
		}
	}
	return nil
}

// WriteBytes writes multiple bytes
func (b *ByteWriter) WriteBytes(data []byte) error {
	n, err := b.w.Write(data)
	b.n += int64(n)
	return err
}

// Flush flushes the buffer
func (b *ByteWriter) Flush() error {
	return b.w.Flush()
}
