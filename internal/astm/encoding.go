package astm

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Encoding selects the text codec used to decode/encode a session's frame
// payloads. The choice is fixed for the lifetime of a session.
type Encoding int

const (
	ASCII Encoding = iota
	Windows1251
	UTF8
)

func (e Encoding) String() string {
	switch e {
	case ASCII:
		return "ASCII"
	case Windows1251:
		return "WINDOWS-1251"
	case UTF8:
		return "UTF-8"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// decode converts raw payload bytes into text under the selected encoding.
// All three codecs are strict: bytes that cannot be represented fail.
func (e Encoding) decode(src []byte) (string, error) {
	switch e {
	case ASCII:
		for _, b := range src {
			if b > 0x7F {
				return "", ErrDecodingASCII
			}
		}
		return string(src), nil
	case Windows1251:
		out, err := charmap.Windows1251.NewDecoder().Bytes(src)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDecodingWindows1251, err)
		}
		return string(out), nil
	case UTF8:
		if !utf8.Valid(src) {
			return "", ErrDecodingUTF8
		}
		return string(src), nil
	default:
		return "", fmt.Errorf("astm: unknown encoding %v", e)
	}
}

// encode converts text back into raw payload bytes under the selected
// encoding, failing on characters the codepage cannot represent.
func (e Encoding) encode(src string) ([]byte, error) {
	switch e {
	case ASCII:
		out := make([]byte, 0, len(src))
		for _, r := range src {
			if r > 0x7F {
				return nil, ErrEncodingASCII
			}
			out = append(out, byte(r))
		}
		return out, nil
	case Windows1251:
		out, err := charmap.Windows1251.NewEncoder().String(src)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncodingWindows1251, err)
		}
		return []byte(out), nil
	case UTF8:
		return []byte(src), nil
	default:
		return nil, fmt.Errorf("astm: unknown encoding %v", e)
	}
}
