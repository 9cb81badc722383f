// Package mllp implements the Minimal Lower Layer Protocol used to move
// HL7v2 messages over TCP: a server, a retrying client and the shared
// frame codec. A frame is the byte 0x0B, the message payload, then the
// two-byte trailer 0x1C 0x0D; there is no length prefix.
package mllp

import "errors"

const (
	// StartBlock is the MLLP start-of-message byte (VT / vertical tab).
	StartBlock = 0x0B

	// EndBlock is the MLLP end-of-message byte (FS / file separator).
	EndBlock = 0x1C

	// CarriageReturn trails the end block and completes the frame.
	CarriageReturn = 0x0D

	// MaxFrameSize bounds the accumulated body of a single frame (1 MB).
	MaxFrameSize = 1 << 20
)

// ErrFrameTooLarge reports a frame body that exceeded MaxFrameSize and
// was discarded. The decoder keeps scanning for the next start block.
var ErrFrameTooLarge = errors.New("mllp: frame exceeds maximum size")

// Frame wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + payload + <0x1C><0x0D>
func Frame(payload []byte) []byte {
	framed := make([]byte, 0, len(payload)+3)
	framed = append(framed, StartBlock)
	framed = append(framed, payload...)
	framed = append(framed, EndBlock, CarriageReturn)
	return framed
}

// decoder states.
const (
	waitStart = iota
	inBody
)

// Decoder reassembles MLLP frames from an arbitrary chunking of the
// underlying byte stream. Bytes outside a frame are discarded; a start
// block inside a frame abandons the accumulated body and begins a fresh
// frame; a stray end block without a trailing carriage return stays in
// the body. Not safe for concurrent use.
type Decoder struct {
	state   int
	body    []byte
	sawEnd  bool
	maxSize int
}

// NewDecoder returns a Decoder enforcing MaxFrameSize.
func NewDecoder() *Decoder {
	return &Decoder{maxSize: MaxFrameSize}
}

// Push feeds the next chunk of stream bytes and returns the payloads of
// every frame completed by it, in arrival order. When an oversize body
// is discarded the remaining chunk is still processed and
// ErrFrameTooLarge is returned alongside any completed payloads.
func (d *Decoder) Push(p []byte) ([][]byte, error) {
	var (
		payloads [][]byte
		err      error
	)
	for _, b := range p {
		switch d.state {
		case waitStart:
			if b == StartBlock {
				d.state = inBody
				d.body = d.body[:0]
				d.sawEnd = false
			}

		case inBody:
			if d.sawEnd {
				d.sawEnd = false
				if b == CarriageReturn {
					payload := make([]byte, len(d.body))
					copy(payload, d.body)
					payloads = append(payloads, payload)
					d.state = waitStart
					d.body = d.body[:0]
					continue
				}
				// Lone end block: part of the body after all.
				d.body = append(d.body, EndBlock)
			}

			switch b {
			case StartBlock:
				// Restart: the partial body is abandoned.
				d.body = d.body[:0]
			case EndBlock:
				d.sawEnd = true
			default:
				d.body = append(d.body, b)
			}

			if len(d.body) > d.maxSize {
				d.state = waitStart
				d.body = d.body[:0]
				d.sawEnd = false
				err = ErrFrameTooLarge
			}
		}
	}
	return payloads, err
}

// Reset returns the decoder to its initial state, dropping any partial
// body.
func (d *Decoder) Reset() {
	d.state = waitStart
	d.body = d.body[:0]
	d.sawEnd = false
}
