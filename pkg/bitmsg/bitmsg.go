// Package bitmsg reads and writes the bit packed message bodies exchanged
// between server and clients. Bits are packed least significant first.
package bitmsg

import (
	"fmt"
	"math"
	"strings"

	"github.com/sessamekesh/spanreed-snapserver/pkg/errors"
)

const (
	MaxMsgLen        = 16384
	MaxStringChars   = 1024
	BigInfoString    = 8192
	sanitizedReplace = '.'
)

type Writer struct {
	data       []byte
	bit        int
	maxSize    int
	overflowed bool
}

func NewWriter(maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = MaxMsgLen
	}
	return &Writer{
		data:    make([]byte, 0, min(maxSize, 1400)),
		maxSize: maxSize,
	}
}

// Overflowed is sticky; once set all later writes are dropped.
func (w *Writer) Overflowed() bool {
	return w.overflowed
}

func (w *Writer) BitsWritten() int {
	return w.bit
}

func (w *Writer) Len() int {
	return len(w.data)
}

func (w *Writer) Bytes() []byte {
	return w.data
}

func (w *Writer) Reset() {
	w.data = w.data[:0]
	w.bit = 0
	w.overflowed = false
}

func (w *Writer) WriteBits(value uint32, n int) {
	if n <= 0 || n > 32 {
		panic(fmt.Sprintf("bitmsg: bad bit count %d", n))
	}
	if w.overflowed {
		return
	}
	if w.bit+n > w.maxSize*8 {
		w.overflowed = true
		return
	}
	if n < 32 {
		value &= (1 << n) - 1
	}

	for n > 0 {
		idx := w.bit >> 3
		if idx == len(w.data) {
			w.data = append(w.data, 0)
		}
		off := w.bit & 7
		take := min(8-off, n)
		w.data[idx] |= byte(value&((1<<take)-1)) << off
		value >>= take
		w.bit += take
		n -= take
	}
}

// WriteSignedBits writes the low n bits of value in two's complement.
func (w *Writer) WriteSignedBits(value int32, n int) {
	w.WriteBits(uint32(value), n)
}

func (w *Writer) WriteBool(b bool) {
	if b {
		w.WriteBits(1, 1)
	} else {
		w.WriteBits(0, 1)
	}
}

func (w *Writer) WriteUint8(v uint8) {
	w.WriteBits(uint32(v), 8)
}

func (w *Writer) WriteInt16(v int16) {
	w.WriteSignedBits(int32(v), 16)
}

func (w *Writer) WriteUint16(v uint16) {
	w.WriteBits(uint32(v), 16)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteSignedBits(v, 32)
}

func (w *Writer) WriteFloat(f float32) {
	w.WriteBits(math.Float32bits(f), 32)
}

func (w *Writer) WriteData(b []byte) {
	for _, c := range b {
		w.WriteUint8(c)
	}
}

// WriteString writes a zero terminated string. Strings that do not fit in
// MaxStringChars are replaced by the empty string.
func (w *Writer) WriteString(s string) {
	w.writeString(s, MaxStringChars)
}

func (w *Writer) WriteBigString(s string) {
	w.writeString(s, BigInfoString)
}

func (w *Writer) writeString(s string, limit int) {
	if len(s) >= limit {
		s = ""
	}
	for i := 0; i < len(s); i++ {
		w.WriteUint8(sanitize(s[i]))
	}
	w.WriteUint8(0)
}

func sanitize(c byte) byte {
	if c == '%' || c > 127 {
		return sanitizedReplace
	}
	return c
}

// Sanitize applies the same substitutions WriteString does, so callers can
// predict exactly what a peer will read back.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '%' || r > 127 {
			return sanitizedReplace
		}
		return r
	}, s)
}

// Reader decodes a message body. The first failure is sticky: every later
// read returns zero values and Err reports the original failure.
type Reader struct {
	name string
	data []byte
	bit  int
	err  error
}

func NewReader(name string, data []byte) *Reader {
	return &Reader{name: name, data: data}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) BitsRemaining() int {
	return len(r.data)*8 - r.bit
}

func (r *Reader) BytesRead() int {
	return (r.bit + 7) >> 3
}

func (r *Reader) ReadBits(n int) uint32 {
	if n <= 0 || n > 32 {
		panic(fmt.Sprintf("bitmsg: bad bit count %d", n))
	}
	if r.err != nil {
		return 0
	}
	if r.bit+n > len(r.data)*8 {
		r.err = &errors.Underflow{
			MessageName: r.name,
			MsgSize:     len(r.data),
			MinimumSize: (r.bit + n + 7) >> 3,
		}
		return 0
	}

	var v uint32
	shift := 0
	for n > 0 {
		idx := r.bit >> 3
		off := r.bit & 7
		take := min(8-off, n)
		v |= uint32((r.data[idx]>>off)&((1<<take)-1)) << shift
		shift += take
		r.bit += take
		n -= take
	}
	return v
}

// ReadSignedBits sign extends an n bit two's complement value.
func (r *Reader) ReadSignedBits(n int) int32 {
	v := r.ReadBits(n)
	if n == 32 {
		return int32(v)
	}
	return int32(v<<(32-n)) >> (32 - n)
}

func (r *Reader) ReadBool() bool {
	return r.ReadBits(1) != 0
}

func (r *Reader) ReadUint8() uint8 {
	return uint8(r.ReadBits(8))
}

func (r *Reader) ReadInt16() int16 {
	return int16(r.ReadSignedBits(16))
}

func (r *Reader) ReadUint16() uint16 {
	return uint16(r.ReadBits(16))
}

func (r *Reader) ReadInt32() int32 {
	return r.ReadSignedBits(32)
}

func (r *Reader) ReadFloat() float32 {
	return math.Float32frombits(r.ReadBits(32))
}

func (r *Reader) ReadData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = r.ReadUint8()
	}
	return out
}

// ReadString consumes a zero terminated string and keeps at most
// MaxStringChars-1 characters of it.
func (r *Reader) ReadString() string {
	return r.readString(MaxStringChars)
}

func (r *Reader) ReadBigString() string {
	return r.readString(BigInfoString)
}

func (r *Reader) readString(limit int) string {
	var sb strings.Builder
	for {
		c := r.ReadUint8()
		if r.err != nil || c == 0 {
			break
		}
		if sb.Len() < limit-1 {
			sb.WriteByte(sanitize(c))
		}
	}
	return sb.String()
}

// RemainingBytes returns the unread data rounded up to the next whole byte.
func (r *Reader) RemainingBytes() []byte {
	idx := r.BytesRead()
	if idx >= len(r.data) {
		return nil
	}
	return r.data[idx:]
}

// Fail records err unless an earlier failure is already recorded.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// OverflowError builds the error callers return when a Writer overflowed.
func (w *Writer) OverflowError(name string) error {
	if !w.overflowed {
		return nil
	}
	return &errors.Overflow{MessageName: name, Size: w.maxSize + 1, MaxSize: w.maxSize}
}
