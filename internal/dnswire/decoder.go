package dnswire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrMalformedMessage is returned when the payload violates the header, name
// or resource record structure. The whole message must be dropped.
var ErrMalformedMessage = errors.New("malformed dns message")

const (
	headerLen = 12

	typeA     = 1
	typeCNAME = 5

	// maxPointerHops bounds compression pointer chasing per name.
	maxPointerHops = 32
	// maxNameLen is the RFC 1035 limit on the wire length of a name.
	maxNameLen = 255
)

// Header holds the fixed 12 byte DNS header. Only the counts drive decoding.
type Header struct {
	ID              uint16
	Flags           uint16
	QuestionCount   uint16
	AnswerCount     uint16
	AuthorityCount  uint16
	AdditionalCount uint16
}

// ARecord binds a name to an IPv4 address.
type ARecord struct {
	Name    string
	Address netip.Addr
}

// CNameRecord states that Alias is another name for Name.
// Alias is the owner of the record, Name is its canonical target.
type CNameRecord struct {
	Name  string
	Alias string
}

// Message is the subset of a DNS response the binding store consumes.
type Message struct {
	Header
	Questions []string
	ARecords  []ARecord
	CNames    []CNameRecord
}

// IsResponse reports whether the QR bit is set.
func (m *Message) IsResponse() bool {
	return m.Flags&0x8000 != 0
}

// Decode parses a raw DNS payload. Records of types other than A and CNAME
// are skipped, as are A records whose rdata is not 4 bytes long. A record
// whose rdata runs past the end of the buffer ends answer decoding early,
// since hosts commonly hand over a truncated peek of the datagram. Any other
// attempt to read past the buffer, and any compression pointer that does not
// point strictly backwards, fails the whole message with ErrMalformedMessage.
func Decode(b []byte) (*Message, error) {
	if len(b) < headerLen {
		return nil, malformed("header needs %d bytes, got %d", headerLen, len(b))
	}

	msg := &Message{
		Header: Header{
			ID:              binary.BigEndian.Uint16(b[0:]),
			Flags:           binary.BigEndian.Uint16(b[2:]),
			QuestionCount:   binary.BigEndian.Uint16(b[4:]),
			AnswerCount:     binary.BigEndian.Uint16(b[6:]),
			AuthorityCount:  binary.BigEndian.Uint16(b[8:]),
			AdditionalCount: binary.BigEndian.Uint16(b[10:]),
		},
	}

	off := headerLen
	for i := 0; i < int(msg.QuestionCount); i++ {
		name, next, err := readName(b, off)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		// qtype + qclass
		if next+4 > len(b) {
			return nil, malformed("question %d: short type/class at offset %d", i, next)
		}
		msg.Questions = append(msg.Questions, name)
		off = next + 4
	}

	for i := 0; i < int(msg.AnswerCount); i++ {
		owner, next, err := readName(b, off)
		if err != nil {
			return nil, fmt.Errorf("answer %d: %w", i, err)
		}
		// type(2) class(2) ttl(4) rdlength(2)
		if next+10 > len(b) {
			return nil, malformed("answer %d: short record header at offset %d", i, next)
		}
		rrType := binary.BigEndian.Uint16(b[next:])
		rdLen := int(binary.BigEndian.Uint16(b[next+8:]))
		rdata := next + 10
		end := rdata + rdLen
		if end > len(b) {
			break
		}

		switch rrType {
		case typeA:
			if rdLen == 4 {
				msg.ARecords = append(msg.ARecords, ARecord{
					Name:    owner,
					Address: netip.AddrFrom4([4]byte(b[rdata:end])),
				})
			}
		case typeCNAME:
			target, _, err := readName(b, rdata)
			if err != nil {
				return nil, fmt.Errorf("answer %d: cname target: %w", i, err)
			}
			msg.CNames = append(msg.CNames, CNameRecord{Name: target, Alias: owner})
		}
		off = end
	}

	return msg, nil
}

// readName decodes the name starting at off and returns it together with the
// offset just past its encoding in the original position (i.e. after the
// first pointer, if one was followed).
func readName(b []byte, off int) (string, int, error) {
	var sb strings.Builder
	pos, next := off, -1
	hops, wire := 0, 0

	for {
		if pos >= len(b) {
			return "", 0, malformed("name runs past end of message at offset %d", pos)
		}
		c := int(b[pos])

		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				if next < 0 {
					next = pos + 1
				}
				return sb.String(), next, nil
			}
			end := pos + 1 + c
			if end > len(b) {
				return "", 0, malformed("label at offset %d runs past end of message", pos)
			}
			wire += c + 1
			if wire+1 > maxNameLen {
				return "", 0, malformed("name at offset %d exceeds %d bytes", off, maxNameLen)
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(strings.ToLower(string(b[pos+1 : end])))
			pos = end
		case 0xC0:
			if pos+1 >= len(b) {
				return "", 0, malformed("truncated compression pointer at offset %d", pos)
			}
			ptr := int(binary.BigEndian.Uint16(b[pos:]) & 0x3FFF)
			if ptr < headerLen || ptr >= pos {
				return "", 0, malformed("compression pointer at offset %d targets %d", pos, ptr)
			}
			hops++
			if hops > maxPointerHops {
				return "", 0, malformed("too many compression pointers in name at offset %d", off)
			}
			if next < 0 {
				next = pos + 2
			}
			pos = ptr
		default:
			return "", 0, malformed("unsupported label type 0x%02x at offset %d", c&0xC0, pos)
		}
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
