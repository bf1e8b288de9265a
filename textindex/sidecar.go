package textindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"

	"github.com/knaw-huc/textsurf/storage"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// SidecarSuffix is appended to a resource path to name its persisted
// index. Sidecars are hidden from listings and cannot be served.
const SidecarSuffix = ".index"

// sidecarVersion is bumped whenever the serialized layout changes;
// sidecars with another version are discarded and rebuilt.
const sidecarVersion = 1

// fingerprintHead is how many leading bytes participate in the
// fingerprint binding a sidecar to its resource.
const fingerprintHead = 64 * 1024

// sidecarFile is the serialized form of a Text index: zstd-compressed
// JSON stored at <resource path> + SidecarSuffix.
type sidecarFile struct {
	Version     int     `json:"version"`
	Fingerprint string  `json:"fingerprint"`
	Stride      int64   `json:"stride"`
	Chars       int64   `json:"chars"`
	Anchors     []int64 `json:"anchors"`
	HasLines    bool    `json:"has_lines"`
	Lines       []int64 `json:"lines,omitempty"`
	Checksum    string  `json:"checksum"`
}

// fingerprint hashes the resource's size, mtime, and leading bytes.
// It detects the common mutation cases (replaced or appended content)
// without reading the whole resource.
func fingerprint(f storage.File) (string, error) {
	h := xxhash.New()

	var meta [16]byte
	binary.LittleEndian.PutUint64(meta[0:8], uint64(f.Size()))
	binary.LittleEndian.PutUint64(meta[8:16], uint64(f.ModTime().UnixNano()))
	_, _ = h.Write(meta[:])

	n := f.Size()
	if n > fingerprintHead {
		n = fingerprintHead
	}
	if n > 0 {
		head := make([]byte, n)
		if _, err := io.ReadFull(io.NewSectionReader(f, 0, n), head); err != nil {
			return "", fmt.Errorf("textindex: fingerprint: %w", err)
		}
		_, _ = h.Write(head)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// StoreSidecar persists the index next to the resource at name so a
// later Open can skip the scan. Existing sidecars are replaced.
func (t *Text) StoreSidecar(ctx context.Context, b storage.Backend, name string) error {
	fp, err := fingerprint(t.f)
	if err != nil {
		return err
	}
	sc := sidecarFile{
		Version:     sidecarVersion,
		Fingerprint: fp,
		Stride:      t.stride,
		Chars:       t.chars,
		Anchors:     t.anchors,
		HasLines:    t.hasLines,
		Lines:       t.lineOffs,
		Checksum:    t.checksum,
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("textindex: sidecar encode: %w", err)
	}
	if err := jsonCodec.NewEncoder(zw).Encode(&sc); err != nil {
		_ = zw.Close()
		return fmt.Errorf("textindex: sidecar encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("textindex: sidecar encode: %w", err)
	}

	if err := b.Put(ctx, name+SidecarSuffix, &buf, true); err != nil {
		return fmt.Errorf("textindex: sidecar write: %w", err)
	}
	return nil
}

// LoadSidecar builds a Text from a previously stored sidecar, skipping
// the scan. Returns false when no usable sidecar exists: missing, from
// another layout version, not matching the resource's fingerprint, or
// lacking a line index the caller wants. The caller falls back to Open.
//
// On success the Text takes ownership of f.
func LoadSidecar(ctx context.Context, b storage.Backend, name string, f storage.File, opts ...Option) (*Text, bool) {
	o := options{stride: defaultStride, withLines: true}
	for _, opt := range opts {
		opt(&o)
	}

	sc, ok := readSidecar(ctx, b, name)
	if !ok {
		return nil, false
	}
	if sc.Version != sidecarVersion || sc.Stride <= 0 || sc.Chars < 0 || sc.Checksum == "" {
		return nil, false
	}
	if wantAnchors := anchorCount(sc.Chars, sc.Stride); int64(len(sc.Anchors)) != wantAnchors {
		return nil, false
	}
	if o.withLines && !sc.HasLines {
		return nil, false
	}

	fp, err := fingerprint(f)
	if err != nil || fp != sc.Fingerprint {
		return nil, false
	}

	t := &Text{
		f:        f,
		size:     f.Size(),
		modTime:  f.ModTime(),
		stride:   sc.Stride,
		chars:    sc.Chars,
		anchors:  sc.Anchors,
		hasLines: o.withLines,
		checksum: sc.Checksum,
	}
	if o.withLines {
		t.lineOffs = sc.Lines
	}
	return t, true
}

// readSidecar opens and decodes the sidecar for name.
func readSidecar(ctx context.Context, b storage.Backend, name string) (sidecarFile, bool) {
	var sc sidecarFile

	sf, err := b.Open(ctx, name+SidecarSuffix)
	if err != nil {
		return sc, false
	}
	defer func() { _ = sf.Close() }()

	zr, err := zstd.NewReader(io.NewSectionReader(sf, 0, sf.Size()))
	if err != nil {
		return sc, false
	}
	defer zr.Close()

	if err := jsonCodec.NewDecoder(zr).Decode(&sc); err != nil {
		return sc, false
	}
	return sc, true
}

// anchorCount returns how many anchors a scan of chars characters at the
// given stride produces.
func anchorCount(chars, stride int64) int64 {
	if chars == 0 {
		return 0
	}
	return (chars + stride - 1) / stride
}
