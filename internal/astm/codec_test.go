package astm

import (
	"bytes"
	"errors"
	"testing"
)

// s1Bytes is the seed scenario S1 frame from the specification.
func s1Bytes() []byte {
	return []byte{
		0x02, 0x35, 0x52, 0x7C, 0x32, 0x7C, 0x5E, 0x5E, 0x5E, 0x31, 0x2E, 0x30,
		0x30, 0x30, 0x30, 0x2B, 0x39, 0x35, 0x30, 0x2B, 0x31, 0x2E, 0x30, 0x7C,
		0x31, 0x35, 0x7C, 0x7C, 0x7C, 0x5E, 0x35, 0x5E, 0x7C, 0x7C, 0x56, 0x7C,
		0x7C, 0x33, 0x34, 0x30, 0x30, 0x31, 0x36, 0x33, 0x37, 0x7C, 0x32, 0x30,
		0x30, 0x38, 0x30, 0x35, 0x31, 0x36, 0x31, 0x35, 0x33, 0x35, 0x34, 0x30,
		0x7C, 0x32, 0x30, 0x30, 0x38, 0x30, 0x35, 0x31, 0x36, 0x31, 0x35, 0x33,
		0x36, 0x30, 0x32, 0x7C, 0x33, 0x34, 0x30, 0x30, 0x31, 0x36, 0x33, 0x37,
		0x0D, 0x03, 0x33, 0x44, 0x0D, 0x0A,
	}
}

func TestDecode_S1(t *testing.T) {
	f, err := Decode(s1Bytes(), UTF8)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Number != 5 || !f.Last {
		t.Fatalf("number=%d last=%v", f.Number, f.Last)
	}
	want := "R|2|^^^1.0000+950+1.0|15|||^5^||V||34001637|20080516153540|20080516153602|34001637\r"
	if f.Data != want {
		t.Fatalf("data=%q want %q", f.Data, want)
	}
}

func TestEncode_S2_RoundTrip(t *testing.T) {
	f, err := Decode(s1Bytes(), UTF8)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := Encode(f, UTF8)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(got, s1Bytes()) {
		t.Fatalf("encode mismatch:\n got=% X\nwant=% X", got, s1Bytes())
	}
}

func TestDecode_BadChecksum_S4(t *testing.T) {
	src := append([]byte(nil), s1Bytes()...)
	// Flip the second hex digit so "3D" becomes "3E".
	for i, b := range src {
		if b == 0x33 && i+1 < len(src) && src[i+1] == 0x44 {
			src[i+1] = 0x45
			break
		}
	}
	_, err := Decode(src, UTF8)
	var defective *DefectiveFrameError
	if !errors.As(err, &defective) {
		t.Fatalf("expected DefectiveFrameError, got %v", err)
	}
	if defective.Expected != "3D" {
		t.Fatalf("expected checksum 3D, got %s", defective.Expected)
	}
}

func TestEncode_EmptyPayload(t *testing.T) {
	f := Frame{Number: 0, Data: "", Last: true}
	got, err := Encode(f, ASCII)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{STX, '0', ETX, '3', '3', CR, LF}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X want % X", got, want)
	}
}

func TestRoundTrip_AllEncodings(t *testing.T) {
	cases := []struct {
		enc  Encoding
		data string
	}{
		{ASCII, "hello world\r"},
		{UTF8, "héllo wörld\r"},
		{Windows1251, "Привет\r"}, // "Привет"
	}
	for _, c := range cases {
		for _, last := range []bool{false, true} {
			f := Frame{Number: 3, Data: c.data, Last: last}
			wire, err := Encode(f, c.enc)
			if err != nil {
				t.Fatalf("encode %v: %v", c.enc, err)
			}
			got, err := Decode(wire, c.enc)
			if err != nil {
				t.Fatalf("decode %v: %v", c.enc, err)
			}
			if got != f {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
			}
		}
	}
}

func TestEncode_Deterministic(t *testing.T) {
	f := Frame{Number: 2, Data: "abc\r", Last: false}
	a, err := Encode(f, ASCII)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := Encode(f, ASCII)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encode not deterministic")
	}
}

func TestDecode_OversizedMessage(t *testing.T) {
	payload := bytes.Repeat([]byte{'a'}, maxPayloadBytes)
	f := Frame{Number: 1, Data: string(payload), Last: true}
	wire, err := Encode(f, ASCII)
	if err != nil {
		t.Fatalf("encode max payload: %v", err)
	}
	if _, err := Decode(wire, ASCII); err != nil {
		t.Fatalf("decode max payload: %v", err)
	}

	// One byte over the limit must be rejected on decode.
	over := bytes.Repeat([]byte{'a'}, maxPayloadBytes+1)
	wire2 := make([]byte, 0, len(over)+6)
	wire2 = append(wire2, STX, '1')
	wire2 = append(wire2, over...)
	wire2 = append(wire2, ETX, '0', '0', CR, LF)
	if _, err := Decode(wire2, ASCII); !errors.Is(err, ErrOversizedMessage) {
		t.Fatalf("expected ErrOversizedMessage, got %v", err)
	}
}

func TestDecode_InvalidFrameNumber(t *testing.T) {
	for _, n := range []byte{'8', '9'} {
		src := []byte{STX, n, ETX, '0', '0', CR, LF}
		_, err := Decode(src, ASCII)
		if !errors.Is(err, ErrInvalidFrameNumber) {
			t.Fatalf("number %c: expected ErrInvalidFrameNumber, got %v", n, err)
		}
	}
}

func TestDecode_MissingSTX(t *testing.T) {
	if _, err := Decode(nil, ASCII); !errors.Is(err, ErrMissingSTX) {
		t.Fatalf("expected ErrMissingSTX, got %v", err)
	}
	if _, err := Decode([]byte{'x'}, ASCII); !errors.Is(err, ErrInvalidSTX) {
		t.Fatalf("expected ErrInvalidSTX, got %v", err)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add(s1Bytes())
	f.Add([]byte{STX, '0', ETX, '0', '0', CR, LF})
	f.Fuzz(func(t *testing.T, data []byte) {
		// Decode must never panic, regardless of input.
		_, _ = Decode(data, ASCII)
		_, _ = Decode(data, UTF8)
	})
}
