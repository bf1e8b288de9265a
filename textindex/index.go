// Package textindex builds character and line indexes over UTF-8 text
// resources.
//
// A Text maps between character offsets (Unicode code points), line
// numbers, and byte offsets without holding the resource's content in
// memory. One sequential scan at open time produces a compact anchor
// table (one byte offset per anchorStride characters) and a table of
// line-start offsets; afterwards any sub-range can be answered with a
// short forward decode from the nearest anchor plus one ranged read.
// The scan also computes the resource's SHA-256 checksum, since all
// bytes pass through anyway.
//
// Indexes can be persisted next to the resource and reloaded on a later
// open (see sidecar.go), skipping the scan entirely.
package textindex

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"

	"github.com/knaw-huc/textsurf/storage"
)

// Sentinel errors reported by index construction and range calls.
var (
	// ErrNotText indicates the resource is not valid UTF-8.
	ErrNotText = errors.New("textindex: not valid UTF-8 text")

	// ErrRange indicates a range call outside [0, total].
	ErrRange = errors.New("textindex: range out of bounds")

	// ErrNoLineIndex indicates a line-based call on a text opened
	// without a line index.
	ErrNoLineIndex = errors.New("textindex: no line index")
)

// defaultStride is the anchor spacing in characters. Smaller strides make
// range lookups cheaper at the cost of a larger index.
const defaultStride = 256

// scanBlockSize is the read block size used while scanning.
const scanBlockSize = 64 * 1024

// Option configures Open.
type Option func(*options)

type options struct {
	stride    int64
	withLines bool
}

// WithStride sets the anchor spacing in characters.
func WithStride(stride int64) Option {
	return func(o *options) {
		if stride > 0 {
			o.stride = stride
		}
	}
}

// WithoutLines skips building the line-start table. Line-based calls on
// the resulting Text fail with ErrNoLineIndex; the index gets smaller.
func WithoutLines() Option {
	return func(o *options) { o.withLines = false }
}

// Text is an immutable character/line index over one open resource.
// All methods are safe for concurrent use.
type Text struct {
	f       storage.File
	size    int64
	modTime time.Time

	stride   int64
	chars    int64
	anchors  []int64 // anchors[i] = byte offset of character i*stride
	lineOffs []int64 // lineOffs[n] = character offset of line n; nil if disabled
	hasLines bool
	checksum string // hex-encoded SHA-256 of the raw bytes
}

// Open scans the resource and builds its index. The Text takes ownership
// of f and closes it on Close. Returns ErrNotText if the content is not
// valid UTF-8.
func Open(f storage.File, opts ...Option) (*Text, error) {
	o := options{stride: defaultStride, withLines: true}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Text{
		f:        f,
		size:     f.Size(),
		modTime:  f.ModTime(),
		stride:   o.stride,
		hasLines: o.withLines,
	}
	if err := t.scan(); err != nil {
		return nil, err
	}
	return t, nil
}

// scan decodes the whole resource once, collecting anchors, line starts,
// the character total, and the checksum.
func (t *Text) scan() error {
	var (
		byteOff int64
		chars   int64
		anchors []int64
		lines   = []int64{0}
		hasher  = sha256.New()
		pending []byte // bytes of a rune split across read blocks
	)

	r := io.NewSectionReader(t.f, 0, t.size)
	buf := make([]byte, scanBlockSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			_, _ = hasher.Write(buf[:n])

			data := buf[:n]
			if len(pending) > 0 {
				data = append(pending, data...)
				pending = nil
			}
			for len(data) > 0 {
				if !utf8.FullRune(data) {
					pending = append([]byte(nil), data...)
					break
				}
				ru, size := utf8.DecodeRune(data)
				if ru == utf8.RuneError && size == 1 {
					return ErrNotText
				}
				if chars%t.stride == 0 {
					anchors = append(anchors, byteOff)
				}
				chars++
				if ru == '\n' {
					lines = append(lines, chars)
				}
				byteOff += int64(size)
				data = data[size:]
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("textindex: scan: %w", readErr)
		}
	}
	if len(pending) > 0 {
		// Truncated multi-byte sequence at EOF.
		return ErrNotText
	}

	// A terminator ends a line rather than opening a new one, so a
	// line-start falling exactly on EOF is dropped. An empty resource
	// has zero lines.
	if lines[len(lines)-1] == chars {
		lines = lines[:len(lines)-1]
	}

	t.chars = chars
	t.anchors = anchors
	if t.hasLines {
		t.lineOffs = lines
	}
	t.checksum = hex.EncodeToString(hasher.Sum(nil))
	return nil
}

// Close releases the underlying file handle.
func (t *Text) Close() error {
	return t.f.Close()
}

// SizeBytes returns the resource length in bytes.
func (t *Text) SizeBytes() int64 { return t.size }

// CharCount returns the resource length in Unicode code points.
func (t *Text) CharCount() int64 { return t.chars }

// ModTime returns the resource's last modification time.
func (t *Text) ModTime() time.Time { return t.modTime }

// Checksum returns the hex-encoded SHA-256 of the resource's raw bytes.
func (t *Text) Checksum() string { return t.checksum }

// HasLineIndex reports whether line-based calls are available.
func (t *Text) HasLineIndex() bool { return t.hasLines }

// LineCount returns the number of lines. A trailing terminator does not
// open a new line. Returns 0 when the line index is disabled.
func (t *Text) LineCount() int { return len(t.lineOffs) }

// LineStart returns the character offset where line n starts.
// n may equal LineCount, denoting the end of the resource, so that the
// line range [s, e) maps to the character range [LineStart(s), LineStart(e)).
func (t *Text) LineStart(n int) (int64, error) {
	if !t.hasLines {
		return 0, ErrNoLineIndex
	}
	if n < 0 || n > len(t.lineOffs) {
		return 0, ErrRange
	}
	if n == len(t.lineOffs) {
		return t.chars, nil
	}
	return t.lineOffs[n], nil
}

// CharRange returns the text of the character range [start, end).
// Defined for 0 <= start <= end <= CharCount.
func (t *Text) CharRange(start, end int64) (string, error) {
	if start < 0 || end < start || end > t.chars {
		return "", ErrRange
	}
	if start == end {
		return "", nil
	}

	byteStart, err := t.byteOffset(start)
	if err != nil {
		return "", err
	}
	byteEnd, err := t.byteOffset(end)
	if err != nil {
		return "", err
	}

	b := make([]byte, byteEnd-byteStart)
	if _, err := io.ReadFull(io.NewSectionReader(t.f, byteStart, byteEnd-byteStart), b); err != nil {
		return "", fmt.Errorf("textindex: read range: %w", err)
	}
	return string(b), nil
}

// LineRange returns the text of the line range [start, end), including
// each selected line's terminator. Defined for 0 <= start <= end <= LineCount.
func (t *Text) LineRange(start, end int) (string, error) {
	if start < 0 || end < start {
		return "", ErrRange
	}
	cs, err := t.LineStart(start)
	if err != nil {
		return "", err
	}
	ce, err := t.LineStart(end)
	if err != nil {
		return "", err
	}
	return t.CharRange(cs, ce)
}

// byteOffset maps a character offset in [0, chars] to its byte offset by
// decoding forward from the nearest anchor.
func (t *Text) byteOffset(c int64) (int64, error) {
	if c < 0 || c > t.chars {
		return 0, ErrRange
	}
	if c == t.chars {
		return t.size, nil
	}

	ai := c / t.stride
	off := t.anchors[ai]
	remaining := c - ai*t.stride
	if remaining == 0 {
		return off, nil
	}

	br := bufio.NewReaderSize(io.NewSectionReader(t.f, off, t.size-off), 4096)
	for ; remaining > 0; remaining-- {
		ru, size, err := br.ReadRune()
		if err != nil {
			return 0, fmt.Errorf("textindex: index out of sync with file: %w", err)
		}
		if ru == utf8.RuneError && size == 1 {
			return 0, ErrNotText
		}
		off += int64(size)
	}
	return off, nil
}
