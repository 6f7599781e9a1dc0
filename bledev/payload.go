package bledev

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Payload formats accepted by EncodePayload.
const (
	FormatText = "text"
	FormatHex  = "hex"
)

// EncodePayload turns user input into the bytes written to a characteristic.
// Text is sent as UTF-8. Hex ignores whitespace and an optional 0x prefix.
func EncodePayload(format, data string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return []byte(data), nil
	case FormatHex:
		clean := strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return r
		}, data)
		clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
		b, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadHex, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadFormat, format)
	}
}

// DecodeNotification renders a notified value as text when it is valid
// UTF-8 and as lower case hex otherwise.
func DecodeNotification(charUUID string, b []byte, at time.Time) Notification {
	n := Notification{
		Characteristic: charUUID,
		Time:           at,
		Raw:            append([]byte(nil), b...),
	}
	if utf8.Valid(b) {
		n.Value, n.Encoding = string(b), FormatText
	} else {
		n.Value, n.Encoding = hex.EncodeToString(b), FormatHex
	}
	return n
}
