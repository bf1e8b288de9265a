package textpool

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/knaw-huc/textsurf/textindex"
)

// Selection streams the UTF-8 bytes of a resolved range. Chunks are cut
// on char boundaries, so a multibyte sequence is never split across
// materializations. Closing the selection releases the resource
// reference that keeps eviction and mutation away.
type Selection struct {
	p      *Pool
	e      *entry
	sp     span
	cur    int64
	rem    string
	err    error
	closed bool
}

func newSelection(p *Pool, e *entry, sp span) *Selection {
	return &Selection{p: p, e: e, sp: sp, cur: sp.start}
}

// Chars returns the selection's extent in chars.
func (s *Selection) Chars() int64 { return s.sp.chars() }

func (s *Selection) Read(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("textpool: read on closed selection")
	}
	if s.err != nil {
		return 0, s.err
	}
	if s.rem == "" {
		if s.cur >= s.sp.end {
			return 0, io.EOF
		}
		next := s.cur + s.p.cfg.chunkChars
		if next > s.sp.end {
			next = s.sp.end
		}
		chunk, err := s.e.text.CharRange(s.cur, next)
		if err != nil {
			s.err = err
			return 0, err
		}
		s.cur = next
		s.rem = chunk
	}
	n := copy(p, s.rem)
	s.rem = s.rem[n:]
	return n, nil
}

// Close releases the resource reference. It is safe to call twice.
func (s *Selection) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.p.release(s.e)
	return nil
}

// verifyMD5 materializes the selection chunk by chunk and checks its
// digest before any byte goes out. This is the one check that cannot be
// done lazily, so it only runs when the client asked for it.
func (p *Pool) verifyMD5(tx *textindex.Text, sp span, want string) error {
	h := md5.New()
	for cur := sp.start; cur < sp.end; {
		next := cur + p.cfg.chunkChars
		if next > sp.end {
			next = sp.end
		}
		chunk, err := tx.CharRange(cur, next)
		if err != nil {
			return err
		}
		io.WriteString(h, chunk)
		cur = next
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: checksum mismatch", ErrValidation)
	}
	return nil
}
