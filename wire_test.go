package xenstore_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/Wenzel/xenstore"
	"github.com/google/go-cmp/cmp"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []xenstore.Message{
		{Op: xenstore.OpRead, ID: 1, Payload: []byte("/local/domain/1/name\x00")},
		{Op: xenstore.OpWrite, ID: 2, Tx: 7, Payload: []byte("/a/b\x00vm1")},
		{Op: xenstore.OpDirectory, ID: 3, Payload: []byte("/\x00")},
		{Op: xenstore.OpWatchEvent, Payload: []byte("/a\x00tok\x00")},
		{Op: xenstore.OpError, ID: 9, Payload: []byte("ENOENT\x00")},
		{Op: xenstore.OpTransactionStart, ID: 4, Payload: []byte("\x00")},
		{Op: xenstore.OpControl},
		{Op: xenstore.OpDirectoryPart, ID: 12, Tx: 3, Payload: []byte("a\x00b\x00c\x00")},
	}
	for _, m := range tests {
		t.Run(m.Op.String(), func(t *testing.T) {
			enc := m.Encode()

			var got xenstore.Message
			nr, err := got.ReadFrom(bytes.NewReader(enc))
			if err != nil {
				t.Fatalf("ReadFrom: unexpected error: %v", err)
			}
			if int(nr) != len(enc) {
				t.Errorf("ReadFrom: read %d bytes, want %d", nr, len(enc))
			}
			if diff := cmp.Diff(m, got); diff != "" {
				t.Errorf("Wrong message (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestFraming(t *testing.T) {
	// header constructs a wire header with the given fields.
	header := func(op, id, tx, plen uint32) []byte {
		var buf [16]byte
		binary.LittleEndian.PutUint32(buf[0:], op)
		binary.LittleEndian.PutUint32(buf[4:], id)
		binary.LittleEndian.PutUint32(buf[8:], tx)
		binary.LittleEndian.PutUint32(buf[12:], plen)
		return buf[:]
	}

	tests := []struct {
		name  string
		input []byte
	}{
		{"EmptyInput", nil},
		{"ShortHeader", header(2, 1, 0, 0)[:7]},
		{"UnknownOp", header(20, 1, 0, 0)},
		{"UnknownOpBig", header(999, 1, 0, 0)},
		{"ShortPayload", append(header(11, 1, 0, 10), 'w', 'x', 'y', 'z')},
		{"OversizeLength", header(2, 1, 0, xenstore.MaxPayload+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got xenstore.Message
			if _, err := got.ReadFrom(bytes.NewReader(tc.input)); !errors.Is(err, xenstore.ErrBadFrame) {
				t.Errorf("ReadFrom: got error %v, want %v", err, xenstore.ErrBadFrame)
			}
			// A failed decode must not leave a partially-filled message.
			if diff := cmp.Diff(xenstore.Message{}, got); diff != "" {
				t.Errorf("Message modified by failed decode (-want, +got):\n%s", diff)
			}
		})
	}

	t.Run("OversizeWrite", func(t *testing.T) {
		m := &xenstore.Message{
			Op:      xenstore.OpWrite,
			Payload: []byte("/big\x00" + strings.Repeat("x", xenstore.MaxPayload)),
		}
		if _, err := m.WriteTo(new(bytes.Buffer)); !errors.Is(err, xenstore.ErrBadFrame) {
			t.Errorf("WriteTo: got error %v, want %v", err, xenstore.ErrBadFrame)
		}
	})
}

func TestPayloadSplitting(t *testing.T) {
	tests := []struct {
		payload    string
		wantString string
		wantFields []string
	}{
		{"", "", nil},
		{"\x00", "", nil},
		{"value", "value", []string{"value"}},
		{"value\x00", "value", []string{"value"}},
		{"a\x00b\x00c\x00", "a\x00b\x00c", []string{"a", "b", "c"}},
		{"a\x00b", "a\x00b", []string{"a", "b"}},
	}
	for _, tc := range tests {
		m := &xenstore.Message{Op: xenstore.OpRead, Payload: []byte(tc.payload)}
		if got := m.PayloadString(); got != tc.wantString {
			t.Errorf("PayloadString(%q): got %q, want %q", tc.payload, got, tc.wantString)
		}
		if diff := cmp.Diff(tc.wantFields, m.PayloadFields()); diff != "" {
			t.Errorf("PayloadFields(%q) (-want, +got):\n%s", tc.payload, diff)
		}
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   xenstore.Op
		want string
	}{
		{xenstore.OpRead, "READ"},
		{xenstore.OpWatchEvent, "WATCH_EVENT"},
		{xenstore.OpTransactionEnd, "TRANSACTION_END"},
		{xenstore.Op(20), "OP:20"},
		{xenstore.Op(12345), "OP:12345"},
	}
	for _, tc := range tests {
		if got := tc.op.String(); got != tc.want {
			t.Errorf("Op(%d).String: got %q, want %q", uint32(tc.op), got, tc.want)
		}
	}
}
