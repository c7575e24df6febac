package ssh

import (
	"bytes"
	"encoding/binary"
)

// ParseResult indicates the result after one parsing step.
type ParseResult int

const (
	// ParseNeedMore means the buffered bytes don't contain a complete frame.
	ParseNeedMore ParseResult = iota
	// ParseFrame means a valid frame is decoded.
	ParseFrame
	// ParseCorrupt means a frame failed checksum validation and is dropped.
	ParseCorrupt
)

// String implements fmt.Stringer.
func (r ParseResult) String() string {
	switch r {
	case ParseNeedMore:
		return "need-more"
	case ParseFrame:
		return "frame"
	case ParseCorrupt:
		return "corrupt"
	}
	return "unknown"
}

// Parser decodes frames incrementally from a byte stream.
// Bytes are appended with Write and frames are retrieved with Next.
type Parser struct {
	buf       []byte
	corrupted int
	discarded int
}

// Write implements io.Writer, buffering received bytes.
func (p *Parser) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// Buffered returns the number of bytes not consumed yet.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Corrupted returns the number of consecutive corrupt frames.
func (p *Parser) Corrupted() int {
	return p.corrupted
}

// Discarded returns the total number of bytes skipped while scanning for SYN.
func (p *Parser) Discarded() int {
	return p.discarded
}

// Reset drops all buffered bytes.
func (p *Parser) Reset() {
	p.buf, p.corrupted = nil, 0
}

// Next decodes the next frame from buffered bytes.
// When ParseCorrupt is returned and the frame header was intact, the
// returned frame carries the header fields without payload.
func (p *Parser) Next() (ParseResult, *Frame) {
	if !p.seekSyn() {
		return ParseNeedMore, nil
	}
	if len(p.buf) < synLen+headerLen+crcLen {
		return ParseNeedMore, nil
	}
	hdr := p.buf[synLen : synLen+headerLen]
	if CRC(hdr) != binary.LittleEndian.Uint16(p.buf[synLen+headerLen:]) {
		return p.corrupt(nil)
	}
	frame := &Frame{Type: FrameType(hdr[0]), Seq: Seq(hdr[3])}
	size := int(binary.LittleEndian.Uint16(hdr[1:3]))
	total := MessageLength(size)
	if len(p.buf) < total {
		return ParseNeedMore, nil
	}
	off := synLen + headerLen + crcLen
	payload := p.buf[off : off+size]
	if CRC(payload) != binary.LittleEndian.Uint16(p.buf[off+size:]) {
		return p.corrupt(frame)
	}
	if size > 0 {
		frame.Payload = append([]byte(nil), payload...)
	}
	p.consume(total)
	p.corrupted = 0
	return ParseFrame, frame
}

// seekSyn drops bytes before the next SYN marker.
func (p *Parser) seekSyn() bool {
	i := bytes.Index(p.buf, syn[:])
	if i < 0 {
		drop := len(p.buf)
		if drop > 0 && p.buf[drop-1] == syn[0] {
			drop--
		}
		p.discarded += drop
		p.consume(drop)
		return false
	}
	p.discarded += i
	p.consume(i)
	return true
}

// corrupt skips the SYN marker so scanning resumes inside the dropped frame.
func (p *Parser) corrupt(frame *Frame) (ParseResult, *Frame) {
	p.consume(synLen)
	p.corrupted++
	return ParseCorrupt, frame
}

func (p *Parser) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(p.buf) {
		p.buf = p.buf[:0]
		return
	}
	p.buf = append(p.buf[:0], p.buf[n:]...)
}
