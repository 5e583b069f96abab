package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/chorny/kepaxos/internal/ballot"
)

// MinFrameLen is the smallest possible valid frame: no sender, no key, no
// data. 3 single-byte fields (mtype, ctype, committed) + 6 u32-sized words
// (2 halves of ballot, 2 halves of seq, klen, dlen) + the u16 sender length
// prefix.
const MinFrameLen = 3 + 6*4 + 2

var (
	// ErrTruncated is returned when a frame is shorter than its declared
	// field lengths require.
	ErrTruncated = fmt.Errorf("wire: truncated frame")
)

// Encode serializes m into the wire frame layout. For a non-empty sender the
// length field counts the trailing NUL; an empty sender is sent as a
// zero-length field, so a frame with no sender, key or data is exactly
// MinFrameLen bytes. Every variable-size field carries an explicit length
// ahead of it rather than a delimiter.
func Encode(m *Message) []byte {
	var senderBytes []byte
	if m.Sender != "" {
		senderBytes = append([]byte(m.Sender), 0)
	}
	buf := bytes.NewBuffer(make([]byte, 0, MinFrameLen+len(senderBytes)+len(m.Key)+len(m.Data)))

	binary.Write(buf, binary.BigEndian, uint16(len(senderBytes)))
	buf.Write(senderBytes)

	writeU64(buf, uint64(m.Ballot))
	writeU64(buf, m.Seq)

	buf.WriteByte(byte(m.Type))
	buf.WriteByte(m.CmdType)
	if m.Committed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	binary.Write(buf, binary.BigEndian, uint32(len(m.Key)))
	buf.Write(m.Key)

	binary.Write(buf, binary.BigEndian, uint32(len(m.Data)))
	buf.Write(m.Data)

	return buf.Bytes()
}

// Decode parses a frame previously produced by Encode. It rejects any
// truncated input rather than panicking or returning a partially-populated
// Message; callers treat a non-nil error as a malformed frame to drop
// silently.
func Decode(frame []byte) (*Message, error) {
	r := bytes.NewReader(frame)

	senderLen, err := readU16(r)
	if err != nil {
		return nil, ErrTruncated
	}
	senderBytes, err := readN(r, int(senderLen))
	if err != nil {
		return nil, ErrTruncated
	}
	sender := trimTrailingNUL(senderBytes)

	rawBallot, err := readU64(r)
	if err != nil {
		return nil, ErrTruncated
	}
	seq, err := readU64(r)
	if err != nil {
		return nil, ErrTruncated
	}

	mtype, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	ctype, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	committedByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}

	klen, err := readU32(r)
	if err != nil {
		return nil, ErrTruncated
	}
	key, err := readN(r, int(klen))
	if err != nil {
		return nil, ErrTruncated
	}

	dlen, err := readU32(r)
	if err != nil {
		return nil, ErrTruncated
	}
	data, err := readN(r, int(dlen))
	if err != nil {
		return nil, ErrTruncated
	}

	return &Message{
		Sender:    sender,
		Ballot:    ballot.Num(rawBallot),
		Seq:       seq,
		Type:      Type(mtype),
		CmdType:   ctype,
		Committed: committedByte != 0,
		Key:       key,
		Data:      data,
	}, nil
}

// writeU64 transmits a 64-bit value as two big-endian u32 halves (high then
// low).
func writeU64(buf *bytes.Buffer, v uint64) {
	binary.Write(buf, binary.BigEndian, uint32(v>>32))
	binary.Write(buf, binary.BigEndian, uint32(v))
}

func readU64(r *bytes.Reader) (uint64, error) {
	hi, err := readU32(r)
	if err != nil {
		return 0, err
	}
	lo, err := readU32(r)
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func readU16(r *bytes.Reader) (uint16, error) {
	var v uint16
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.BigEndian, &v); err != nil {
		return 0, err
	}
	return v, nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if r.Len() < n {
		return nil, ErrTruncated
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func trimTrailingNUL(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return string(b[:len(b)-1])
	}
	return string(b)
}
