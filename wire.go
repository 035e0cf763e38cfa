package xenstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxPayload is the maximum size in bytes of a message payload
// (XENSTORE_PAYLOAD_MAX in the Xen headers). The store daemon rejects
// anything larger, and a received length above this limit is treated as
// a framing error rather than an allocation request.
const MaxPayload = 4096

// headerLen is the size of the fixed wire header: four uint32 fields.
const headerLen = 16

// ErrBadFrame is reported (wrapped) when a message cannot be framed or
// decoded. Framing errors are fatal to the connection: the byte stream
// cannot be resynchronized once a header is corrupt.
var ErrBadFrame = errors.New("invalid message framing")

// Message is the parsed format of a single XenStore wire message.
//
// The wire encoding is the xsd_sockmsg layout: a 16-byte header of four
// unsigned 32-bit little-endian fields (operation, request id,
// transaction id, payload length), followed by exactly payload-length
// bytes. Payloads are operation-specific sequences of NUL-terminated
// strings.
type Message struct {
	Op      Op
	ID      uint32 // request id, echoed by the store in its reply
	Tx      uint32 // transaction id, 0 when no transaction is active
	Payload []byte
}

// Encode encodes m in binary format.
func (m Message) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, headerLen+len(m.Payload)))
	if _, err := m.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding message: %w", err))
	}
	return buf.Bytes()
}

// WriteTo writes the message to w in binary format. It satisfies io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	if len(m.Payload) > MaxPayload {
		return 0, fmt.Errorf("%w: payload too large (%d bytes)", ErrBadFrame, len(m.Payload))
	}
	var buf [headerLen]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.Op))
	binary.LittleEndian.PutUint32(buf[4:], m.ID)
	binary.LittleEndian.PutUint32(buf[8:], m.Tx)
	binary.LittleEndian.PutUint32(buf[12:], uint32(len(m.Payload)))
	nw, err := w.Write(buf[:])
	if err == nil && len(m.Payload) != 0 {
		var np int
		np, err = w.Write(m.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a message from r in binary format. It satisfies
// io.ReaderFrom. On error no fields of m are modified, so a failed read
// never yields a partially filled message.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var buf [headerLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("%w: short header: %w", ErrBadFrame, err)
	}

	op := Op(binary.LittleEndian.Uint32(buf[0:]))
	if !op.isValid() {
		return int64(nr), fmt.Errorf("%w: unknown operation code %d", ErrBadFrame, uint32(op))
	}
	psize := binary.LittleEndian.Uint32(buf[12:])
	if psize > MaxPayload {
		return int64(nr), fmt.Errorf("%w: payload length %d exceeds limit", ErrBadFrame, psize)
	}

	var payload []byte
	if psize > 0 {
		payload = make([]byte, int(psize))
		np, err := io.ReadFull(r, payload)
		nr += np
		if err != nil {
			return int64(nr), fmt.Errorf("%w: short payload: %w", ErrBadFrame, err)
		}
	}

	m.Op = op
	m.ID = binary.LittleEndian.Uint32(buf[4:])
	m.Tx = binary.LittleEndian.Uint32(buf[8:])
	m.Payload = payload
	return int64(nr), nil
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message(%v, ID=%d, Tx=%d, %q)", m.Op, m.ID, m.Tx, m.Payload)
}

// PayloadString returns the payload of m as a string, with a single
// trailing NUL removed if one is present. Replies to READ and similar
// single-value operations have this form.
func (m *Message) PayloadString() string {
	p := m.Payload
	if n := len(p); n > 0 && p[n-1] == 0 {
		p = p[:n-1]
	}
	return string(p)
}

// PayloadFields splits the payload of m into its NUL-separated fields.
// A trailing NUL does not produce an empty final field. Replies to
// DIRECTORY and the bodies of WATCH_EVENT messages have this form.
func (m *Message) PayloadFields() []string {
	s := string(m.Payload)
	s = strings.TrimSuffix(s, "\x00")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// fieldPayload builds a payload from fields, each terminated by a NUL.
func fieldPayload(fields ...string) []byte {
	n := 0
	for _, f := range fields {
		n += len(f) + 1
	}
	buf := make([]byte, 0, n)
	for _, f := range fields {
		buf = append(buf, f...)
		buf = append(buf, 0)
	}
	return buf
}

// valuePayload builds the payload of a WRITE: the path NUL-terminated
// followed by the raw value bytes. The value is not NUL-terminated, so
// stored values round-trip byte for byte.
func valuePayload(path, value string) []byte {
	buf := make([]byte, 0, len(path)+1+len(value))
	buf = append(buf, path...)
	buf = append(buf, 0)
	return append(buf, value...)
}

// Op enumerates the XenStore wire operations. The values match the
// XS_* constants of the protocol; the set is closed, and decoding an
// unlisted value is a framing error.
type Op uint32

const (
	OpControl            Op = 0
	OpDirectory          Op = 1
	OpRead               Op = 2
	OpGetPerms           Op = 3
	OpWatch              Op = 4
	OpUnwatch            Op = 5
	OpTransactionStart   Op = 6
	OpTransactionEnd     Op = 7
	OpIntroduce          Op = 8
	OpRelease            Op = 9
	OpGetDomainPath      Op = 10
	OpWrite              Op = 11
	OpMkdir              Op = 12
	OpRm                 Op = 13
	OpSetPerms           Op = 14
	OpWatchEvent         Op = 15
	OpError              Op = 16
	OpIsDomainIntroduced Op = 17
	OpResume             Op = 18
	OpSetTarget          Op = 19
	OpResetWatches       Op = 21
	OpDirectoryPart      Op = 22
)

var opNames = map[Op]string{
	OpControl:            "CONTROL",
	OpDirectory:          "DIRECTORY",
	OpRead:               "READ",
	OpGetPerms:           "GET_PERMS",
	OpWatch:              "WATCH",
	OpUnwatch:            "UNWATCH",
	OpTransactionStart:   "TRANSACTION_START",
	OpTransactionEnd:     "TRANSACTION_END",
	OpIntroduce:          "INTRODUCE",
	OpRelease:            "RELEASE",
	OpGetDomainPath:      "GET_DOMAIN_PATH",
	OpWrite:              "WRITE",
	OpMkdir:              "MKDIR",
	OpRm:                 "RM",
	OpSetPerms:           "SET_PERMS",
	OpWatchEvent:         "WATCH_EVENT",
	OpError:              "ERROR",
	OpIsDomainIntroduced: "IS_DOMAIN_INTRODUCED",
	OpResume:             "RESUME",
	OpSetTarget:          "SET_TARGET",
	OpResetWatches:       "RESET_WATCHES",
	OpDirectoryPart:      "DIRECTORY_PART",
}

func (o Op) isValid() bool { _, ok := opNames[o]; return ok }

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("OP:%d", uint32(o))
}
