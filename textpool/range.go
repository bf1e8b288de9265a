package textpool

import (
	"fmt"

	"github.com/knaw-huc/textsurf/textindex"
)

// Unit is the coordinate system a range is expressed in.
type Unit int

const (
	// UnitChar addresses Unicode code points.
	UnitChar Unit = iota
	// UnitLine addresses lines, converted to char offsets via the line
	// index.
	UnitLine
)

func (u Unit) String() string {
	if u == UnitLine {
		return "line"
	}
	return "char"
}

// RangeSpec is a client-supplied selection over a text resource. The
// zero value selects the full text in char units.
//
// Begin and End may be negative, meaning offsets from the end of the
// resource. A nil End means through the end of the resource, which is
// distinct from an explicit End of 0 (an empty selection at the start).
type RangeSpec struct {
	Unit  Unit
	Begin int64
	End   *int64

	// ExpectLength, when set, must equal the normalized extent in the
	// declared unit.
	ExpectLength *int64

	// ExpectMD5, when set, must equal the hex MD5 of the selection's
	// UTF-8 bytes.
	ExpectMD5 string
}

// FullRange selects the entire resource.
func FullRange() RangeSpec { return RangeSpec{} }

// span is a normalized selection in char offsets, end-exclusive.
type span struct {
	start int64
	end   int64
}

func (s span) chars() int64 { return s.end - s.start }

// resolveSpan normalizes spec against the text's totals and converts it
// to char offsets. It performs no reads: only arithmetic on the index.
// The checksum expectation, if any, is verified by the caller against
// the materialized selection.
func resolveSpan(spec RangeSpec, tx *textindex.Text) (span, error) {
	var total int64
	switch spec.Unit {
	case UnitLine:
		if !tx.HasLineIndex() {
			return span{}, fmt.Errorf("%w: line addressing is disabled", ErrValidation)
		}
		total = int64(tx.LineCount())
	default:
		total = tx.CharCount()
	}

	begin := spec.Begin
	if begin < 0 {
		begin += total
	}
	end := total
	if spec.End != nil {
		end = *spec.End
		if end < 0 {
			end += total
		}
	}
	if begin < 0 || end > total || begin > end {
		return span{}, fmt.Errorf("%w: %s range [%d,%d) of %d", ErrOutOfRange, spec.Unit, begin, end, total)
	}

	if spec.ExpectLength != nil && *spec.ExpectLength != end-begin {
		return span{}, fmt.Errorf("%w: declared length %d, actual %d %ss",
			ErrValidation, *spec.ExpectLength, end-begin, spec.Unit)
	}

	if spec.Unit == UnitLine {
		cs, err := tx.LineStart(int(begin))
		if err != nil {
			return span{}, fmt.Errorf("%w: line %d", ErrOutOfRange, begin)
		}
		ce, err := tx.LineStart(int(end))
		if err != nil {
			return span{}, fmt.Errorf("%w: line %d", ErrOutOfRange, end)
		}
		return span{start: cs, end: ce}, nil
	}
	return span{start: begin, end: end}, nil
}
