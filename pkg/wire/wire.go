// Package wire implements the binary message encoding shared by certificates,
// facts and overlay frames.
//
// Integers are little-endian, booleans and characters are single bytes,
// strings and blobs are prefixed with an int32 length, and every message starts
// with a four character tag.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TagLength is the number of bytes in a message tag.
const TagLength = 4

// maxBlobLength bounds a single length prefix.
const maxBlobLength = 64 << 20

var ErrMalformedMessage = errors.New("malformed message")

// Writer accumulates an encoded message.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns a writer that has already emitted tag.
func NewWriter(tag string) *Writer {
	w := &Writer{}
	w.Tag(tag)
	return w
}

// Tag writes a four character message tag. Shorter tags are space padded.
func (w *Writer) Tag(tag string) {
	var b [TagLength]byte
	for i := range b {
		b[i] = ' '
	}
	copy(b[:], tag)
	w.buf.Write(b[:])
}

func (w *Writer) Int32(v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	w.buf.Write(b[:])
}

func (w *Writer) Int64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *Writer) Bool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

// Char writes a single byte character.
func (w *Writer) Char(c byte) {
	w.buf.WriteByte(c)
}

// String writes a length prefixed UTF-8 string.
func (w *Writer) String(s string) {
	w.Int32(int32(len(s)))
	w.buf.WriteString(s)
}

// Counted writes a length prefixed blob.
func (w *Writer) Counted(b []byte) {
	w.Int32(int32(len(b)))
	w.buf.Write(b)
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) {
	w.buf.Write(b)
}

func (w *Writer) UUID(id uuid.UUID) {
	w.buf.Write(id[:])
}

// Time writes t as a tick count.
func (w *Writer) Time(t time.Time) {
	w.Int64(TimeToTicks(t))
}

// Bytes returns the encoded message.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Reader decodes a message from a byte slice.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// AtEnd reports whether every byte has been consumed.
func (r *Reader) AtEnd() bool {
	return r.pos >= len(r.data)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.AtEnd() {
		return 0
	}
	return len(r.data) - r.pos
}

// Offset returns the read position.
func (r *Reader) Offset() int {
	return r.pos
}

// Slice returns the bytes between two offsets previously returned by Offset.
func (r *Reader) Slice(from, to int) []byte {
	return r.data[from:to]
}

func (r *Reader) take(n int, what string) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: truncated %s at offset %d", ErrMalformedMessage, what, r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Tag reads the next four character tag.
func (r *Reader) Tag() (string, error) {
	b, err := r.take(TagLength, "tag")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PeekTag returns the next tag without consuming it.
func (r *Reader) PeekTag() (string, error) {
	if r.Remaining() < TagLength {
		return "", fmt.Errorf("%w: truncated tag at offset %d", ErrMalformedMessage, r.pos)
	}
	return string(r.data[r.pos : r.pos+TagLength]), nil
}

// ExpectTag consumes a tag and fails unless it equals tag.
func (r *Reader) ExpectTag(tag string) error {
	got, err := r.Tag()
	if err != nil {
		return err
	}
	if got != tag {
		return fmt.Errorf("%w: expected tag %q, got %q", ErrMalformedMessage, tag, got)
	}
	return nil
}

func (r *Reader) Int32() (int32, error) {
	b, err := r.take(4, "int32")
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) Int64() (int64, error) {
	b, err := r.take(8, "int64")
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.take(1, "bool")
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) Char() (byte, error) {
	b, err := r.take(1, "char")
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) length(what string) (int, error) {
	n, err := r.Int32()
	if err != nil {
		return 0, err
	}
	if n < 0 || n > maxBlobLength {
		return 0, fmt.Errorf("%w: invalid %s length %d", ErrMalformedMessage, what, n)
	}
	return int(n), nil
}

func (r *Reader) String() (string, error) {
	n, err := r.length("string")
	if err != nil {
		return "", err
	}
	b, err := r.take(n, "string")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Counted reads a length prefixed blob. The result is a copy.
func (r *Reader) Counted() ([]byte, error) {
	n, err := r.length("blob")
	if err != nil {
		return nil, err
	}
	b, err := r.take(n, "blob")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) UUID() (uuid.UUID, error) {
	var id uuid.UUID
	b, err := r.take(len(id), "uuid")
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

// Time reads a tick count.
func (r *Reader) Time() (time.Time, error) {
	ticks, err := r.Int64()
	if err != nil {
		return time.Time{}, err
	}
	return TicksToTime(ticks), nil
}
