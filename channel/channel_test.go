package channel_test

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/Wenzel/xenstore"
	"github.com/Wenzel/xenstore/channel"
	"github.com/creachadair/taskgroup"
	"github.com/google/go-cmp/cmp"
)

func TestDirect(t *testing.T) {
	c, s := channel.Direct()

	g := taskgroup.New(nil)
	g.Go(func() error {
		msg := &xenstore.Message{Op: xenstore.OpRead, ID: 1, Payload: []byte("/a\x00")}
		if err := c.Send(msg); err != nil {
			t.Errorf("A Send: %v", err)
		}
		got, err := c.Recv()
		if err != nil {
			t.Errorf("A Recv: %v", err)
		}
		if got != msg {
			t.Errorf("Message: got %v, want %v", got, msg)
		}
		return nil
	})
	g.Go(func() error {
		msg, err := s.Recv()
		if err != nil {
			t.Errorf("B Recv: %v", err)
		}
		if err := s.Send(msg); err != nil {
			t.Errorf("B Send: %v", err)
		}
		return nil
	})
	g.Wait()

	if err := c.Close(); err != nil {
		t.Errorf("c.Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("s.Close: %v", err)
	}

	// After close both directions fail.
	if err := c.Send(nil); !errors.Is(err, net.ErrClosed) {
		t.Errorf("c.Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if msg, err := s.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("s.Recv after close: got %+v, %v; want %v", msg, err, net.ErrClosed)
	}
}

func TestIO(t *testing.T) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	a := channel.IO(ar, aw)
	b := channel.IO(br, bw)

	msgs := []*xenstore.Message{
		{Op: xenstore.OpWatchEvent, Payload: []byte("/x\x00token\x00")},
		{Op: xenstore.OpWrite, ID: 5, Tx: 2, Payload: []byte("/x\x00hello")},
		{Op: xenstore.OpControl},
	}

	g := taskgroup.New(nil)
	g.Go(func() error {
		for _, msg := range msgs {
			if err := a.Send(msg); err != nil {
				t.Errorf("A Send %v: %v", msg, err)
			}
		}
		return a.Close()
	})

	for _, want := range msgs {
		got, err := b.Recv()
		if err != nil {
			t.Fatalf("B Recv: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Wrong message (-want, +got):\n%s", diff)
		}
	}

	// The sender closed its pipe, so the next receive fails cleanly.
	if msg, err := b.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("B Recv at end: got %+v, %v; want %v", msg, err, io.EOF)
	}
	g.Wait()
	b.Close()
}
