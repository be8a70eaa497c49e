package astm

import (
	"strings"
	"unicode/utf8"
)

// maxPayloadBytes is the largest decoded payload a frame may carry.
const maxPayloadBytes = 63993

// textChunkSize is the chunking unit used by MessageFromText (§6).
const textChunkSize = 63900

// Frame is the on-wire unit of the ASTM data-link layer.
type Frame struct {
	// Number is the frame sequence number, 0..=7.
	Number uint8
	// Data is the decoded text payload; it may contain embedded CR
	// record separators.
	Data string
	// Last is true iff this is the final frame of a message (ETX
	// terminated rather than ETB terminated).
	Last bool
}

// Message is an ordered sequence of frames forming one logical ASTM
// message, delimited on the wire by EOT.
type Message struct {
	Frames []Frame
}

// IsEmpty reports whether the message has no frames.
func (m Message) IsEmpty() bool { return len(m.Frames) == 0 }

// PushFrame appends a frame to the message, preserving arrival order.
func (m *Message) PushFrame(f Frame) { m.Frames = append(m.Frames, f) }

// PopFrame removes and returns the oldest unsent frame (FIFO), so that
// frames transmitted one-per-ACK leave the wire in the order the
// application supplied them.
func (m *Message) PopFrame() (Frame, bool) {
	if len(m.Frames) == 0 {
		return Frame{}, false
	}
	f := m.Frames[0]
	m.Frames = m.Frames[1:]
	return f, true
}

// String concatenates the decoded payload of every frame, mirroring the
// original implementation's Display impl.
func (m Message) String() string {
	var b strings.Builder
	for _, f := range m.Frames {
		b.WriteString(f.Data)
	}
	return b.String()
}

// MessageFromText builds a Message from free-form text whose records are
// separated by CR, per §6. Leading/trailing whitespace is trimmed; each
// record longer than 63900 decoded bytes is segmented on UTF-8 rune
// boundaries (never mid-codepoint, resolving the open question in §9 in
// favor of correctness over the original's silent byte-boundary drop);
// frame numbers follow 1,2,...,7,0,1,2,... and each frame's data carries
// a trailing CR.
func MessageFromText(src string) Message {
	var msg Message
	counter := uint8(1)
	trimmed := strings.Trim(src, " \t\r\n")
	for _, record := range strings.Split(trimmed, "\r") {
		chunks := chunkRunes(record, textChunkSize)
		for i, chunk := range chunks {
			msg.PushFrame(Frame{
				Number: counter,
				Data:   chunk + "\r",
				Last:   i == len(chunks)-1,
			})
			counter++
			if counter == 8 {
				counter = 0
			}
		}
	}
	return msg
}

// chunkRunes splits s into pieces of at most maxBytes decoded bytes each,
// always breaking on a rune boundary so multi-byte UTF-8 sequences are
// never split across chunks.
func chunkRunes(s string, maxBytes int) []string {
	if len(s) <= maxBytes {
		return []string{s}
	}
	var chunks []string
	start := 0
	for start < len(s) {
		end := start
		for end < len(s) {
			_, size := utf8.DecodeRuneInString(s[end:])
			if end-start+size > maxBytes && end > start {
				break
			}
			end += size
		}
		chunks = append(chunks, s[start:end])
		start = end
	}
	return chunks
}
