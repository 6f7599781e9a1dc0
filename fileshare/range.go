package fileshare

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMalformedRange is returned for a Range header that is not a single
	// "bytes=start-end" range of decimal offsets.
	ErrMalformedRange = errors.New("malformed range")
	// ErrUnsatisfiableRange is returned when the range does not overlap the file.
	ErrUnsatisfiableRange = errors.New("range not satisfiable")
)

// ByteRange is an end-inclusive byte range into a file.
type ByteRange struct {
	Start int64
	End   int64
}

// Length is the number of bytes covered by the range.
func (br ByteRange) Length() int64 { return br.End - br.Start + 1 }

// ContentRange formats the Content-Range header value for a file of the given size.
func (br ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, size)
}

// ParseRange parses a "bytes=start-end" header against a file of the given size.
//
// Either offset may be omitted: a missing start means 0 and a missing end
// means the last byte. The end is clamped to size-1. Multiple ranges,
// non-numeric offsets and other units are ErrMalformedRange. A start past the
// end of the file, or past the clamped end, is ErrUnsatisfiableRange.
func ParseRange(header string, size int64) (ByteRange, error) {
	set, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(set, ",") {
		return ByteRange{}, ErrMalformedRange
	}
	startStr, endStr, ok := strings.Cut(set, "-")
	if !ok {
		return ByteRange{}, ErrMalformedRange
	}

	br := ByteRange{Start: 0, End: size - 1}
	if s := strings.TrimSpace(startStr); s != "" {
		n, err := parseOffset(s)
		if err != nil {
			return ByteRange{}, err
		}
		br.Start = n
	}
	if s := strings.TrimSpace(endStr); s != "" {
		n, err := parseOffset(s)
		if err != nil {
			return ByteRange{}, err
		}
		if n < br.End {
			br.End = n
		}
	}

	if br.Start >= size || br.Start > br.End {
		return ByteRange{}, ErrUnsatisfiableRange
	}
	return br, nil
}

func parseOffset(s string) (int64, error) {
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, ErrMalformedRange
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, ErrMalformedRange
	}
	return n, nil
}
