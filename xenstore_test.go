package xenstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Wenzel/xenstore"
	"github.com/Wenzel/xenstore/channel"
	"github.com/Wenzel/xenstore/storetest"
	"github.com/creachadair/mds/mtest"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// scripted starts a connection whose counterpart is a hand-written
// server script, and returns it with a cleanup function the caller
// must defer. The script must finish by draining its channel until
// Recv fails and then closing it, so that teardown of either side
// completes the other.
func scripted(t *testing.T, script func(srv xenstore.Channel)) (*xenstore.Conn, func()) {
	t.Helper()
	cli, srv := channel.Direct()
	done := make(chan struct{})
	go func() { defer close(done); script(srv) }()

	conn := xenstore.NewConn().Start(cli)
	return conn, func() {
		conn.Stop()
		<-done
	}
}

// drain consumes messages from ch until it fails, then closes it.
func drain(ch xenstore.Channel) {
	for {
		if _, err := ch.Recv(); err != nil {
			break
		}
	}
	ch.Close()
}

func mustRecv(t *testing.T, ch xenstore.Channel) *xenstore.Message {
	t.Helper()
	msg, err := ch.Recv()
	if err != nil {
		t.Errorf("Recv failed: %v", err)
	}
	return msg
}

func mustSend(t *testing.T, ch xenstore.Channel, msg *xenstore.Message) {
	t.Helper()
	if err := ch.Send(msg); err != nil {
		t.Errorf("Send %v failed: %v", msg, err)
	}
}

func TestStoreOps(t *testing.T) {
	defer leaktest.Check(t)()

	loc := storetest.NewLocal()
	defer loc.Stop()
	ctx := context.Background()

	t.Run("WriteRead", func(t *testing.T) {
		if err := loc.Conn.Write(ctx, "/local/domain/1/name", "vm1"); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, err := loc.Conn.Read(ctx, "/local/domain/1/name")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got != "vm1" {
			t.Errorf("Read: got %q, want %q", got, "vm1")
		}
	})

	t.Run("List", func(t *testing.T) {
		for _, p := range []string{"/local/domain/1/vm", "/local/domain/1/device/vbd"} {
			if err := loc.Conn.Write(ctx, p, "x"); err != nil {
				t.Fatalf("Write %q failed: %v", p, err)
			}
		}
		got, err := loc.Conn.List(ctx, "/local/domain/1")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		want := []string{"device", "name", "vm"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Wrong children (-want, +got):\n%s", diff)
		}
	})

	t.Run("MkdirRm", func(t *testing.T) {
		if err := loc.Conn.Mkdir(ctx, "/tool/probe"); err != nil {
			t.Fatalf("Mkdir failed: %v", err)
		}
		if got, err := loc.Conn.Read(ctx, "/tool/probe"); err != nil || got != "" {
			t.Errorf("Read new node: got %q, %v; want \"\", nil", got, err)
		}
		if err := loc.Conn.Rm(ctx, "/tool"); err != nil {
			t.Fatalf("Rm failed: %v", err)
		}
		if _, err := loc.Conn.Read(ctx, "/tool/probe"); !errors.Is(err, xenstore.ErrNotFound) {
			t.Errorf("Read after Rm: got %v, want %v", err, xenstore.ErrNotFound)
		}
	})

	t.Run("Permissions", func(t *testing.T) {
		want := []xenstore.Perm{
			{Dom: 0, Access: xenstore.AccessNone},
			{Dom: 5, Access: xenstore.AccessRead},
		}
		if err := loc.Conn.SetPermissions(ctx, "/local/domain/1/name", want); err != nil {
			t.Fatalf("SetPermissions failed: %v", err)
		}
		got, err := loc.Conn.GetPermissions(ctx, "/local/domain/1/name")
		if err != nil {
			t.Fatalf("GetPermissions failed: %v", err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Wrong permissions (-want, +got):\n%s", diff)
		}
	})

	t.Run("DomainOps", func(t *testing.T) {
		path, err := loc.Conn.GetDomainPath(ctx, 5)
		if err != nil {
			t.Fatalf("GetDomainPath failed: %v", err)
		}
		if path != "/local/domain/5" {
			t.Errorf("GetDomainPath: got %q, want %q", path, "/local/domain/5")
		}

		if ok, err := loc.Conn.IsDomainIntroduced(ctx, 5); err != nil || ok {
			t.Errorf("IsDomainIntroduced(5): got %v, %v; want false, nil", ok, err)
		}
		loc.Store.AddDomain(5)
		if ok, err := loc.Conn.IsDomainIntroduced(ctx, 5); err != nil || !ok {
			t.Errorf("IsDomainIntroduced(5): got %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("ServerErrors", func(t *testing.T) {
		_, err := loc.Conn.Read(ctx, "/no/such/node")
		if !errors.Is(err, xenstore.ErrNotFound) {
			t.Errorf("Read missing node: got %v, want %v", err, xenstore.ErrNotFound)
		}
		var se *xenstore.Error
		if !errors.As(err, &se) || se.Name != "ENOENT" {
			t.Errorf("Read missing node: got %v, want *Error with name ENOENT", err)
		}

		if err := loc.Conn.Rm(ctx, "/"); !errors.Is(err, xenstore.ErrInvalid) {
			t.Errorf("Rm root: got %v, want %v", err, xenstore.ErrInvalid)
		}
	})
}

// TestCorrelation verifies that replies are routed to their callers by
// request id even when the server completes them out of order.
func TestCorrelation(t *testing.T) {
	defer leaktest.Check(t)()

	gotBoth := make(chan struct{})
	conn, cleanup := scripted(t, func(srv xenstore.Channel) {
		reqs := []*xenstore.Message{mustRecv(t, srv), mustRecv(t, srv)}
		close(gotBoth)

		// Reply in reverse order of arrival. Each reply value is derived
		// from the request path so the callers can check routing.
		for i := len(reqs) - 1; i >= 0; i-- {
			req := reqs[i]
			mustSend(t, srv, &xenstore.Message{
				Op:      req.Op,
				ID:      req.ID,
				Payload: []byte("value of " + req.PayloadFields()[0]),
			})
		}
		drain(srv)
	})
	defer cleanup()

	ctx := context.Background()
	errc := make(chan error, 2)
	for _, path := range []string{"/first", "/second"} {
		go func() {
			got, err := conn.Read(ctx, path)
			if err != nil {
				errc <- fmt.Errorf("Read %q: %w", path, err)
			} else if want := "value of " + path; got != want {
				errc <- fmt.Errorf("Read %q: got %q, want %q", path, got, want)
			} else {
				errc <- nil
			}
		}()
	}
	for range 2 {
		if err := <-errc; err != nil {
			t.Error(err)
		}
	}
	<-gotBoth
}

// TestCancellation verifies that abandoning a call does not disturb the
// connection: the stale reply is discarded when it arrives, and later
// calls still receive their own replies.
func TestCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	serverGot := make(chan *xenstore.Message, 1)
	abandoned := make(chan struct{})
	conn, cleanup := scripted(t, func(srv xenstore.Channel) {
		req := mustRecv(t, srv)
		serverGot <- req

		// The store replies to every request, cancelled or not. Hold the
		// reply for the abandoned call until the caller has given up, then
		// deliver it and serve the next request normally.
		<-abandoned
		mustSend(t, srv, &xenstore.Message{Op: req.Op, ID: req.ID, Payload: []byte("stale")})

		req = mustRecv(t, srv)
		mustSend(t, srv, &xenstore.Message{Op: req.Op, ID: req.ID, Payload: []byte("fresh")})
		drain(srv)
	})
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-serverGot
		cancel()
	}()
	if _, err := conn.Read(ctx, "/slow"); !errors.Is(err, context.Canceled) {
		t.Errorf("Read: got error %v, want %v", err, context.Canceled)
	}
	close(abandoned)

	got, err := conn.Read(context.Background(), "/next")
	if err != nil {
		t.Fatalf("Read after cancel failed: %v", err)
	}
	if got != "fresh" {
		t.Errorf("Read after cancel: got %q, want %q", got, "fresh")
	}
}

// TestOpMismatch verifies that a reply bearing the wrong operation code
// is reported as a protocol error.
func TestOpMismatch(t *testing.T) {
	defer leaktest.Check(t)()

	conn, cleanup := scripted(t, func(srv xenstore.Channel) {
		req := mustRecv(t, srv)
		mustSend(t, srv, &xenstore.Message{Op: xenstore.OpWrite, ID: req.ID})
		drain(srv)
	})
	defer cleanup()

	_, err := conn.Read(context.Background(), "/whatever")
	var pe *xenstore.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Read: got error %v, want a *ProtocolError", err)
	}
	if pe.Want != xenstore.OpRead || pe.Got != xenstore.OpWrite {
		t.Errorf("ProtocolError: got want=%v got=%v", pe.Want, pe.Got)
	}
}

// TestTeardown verifies that losing the connection fails every pending
// call and that Wait reports a clean shutdown for an orderly close.
func TestTeardown(t *testing.T) {
	defer leaktest.Check(t)()

	const numCalls = 4

	got := make(chan struct{})
	conn, cleanup := scripted(t, func(srv xenstore.Channel) {
		// Accept the calls, reply to none of them, and hang up.
		for range numCalls {
			mustRecv(t, srv)
		}
		close(got)
		srv.Close()
	})
	defer cleanup()

	ctx := context.Background()
	errc := make(chan error, numCalls)
	for i := range numCalls {
		go func() {
			_, err := conn.Read(ctx, fmt.Sprintf("/pending/%d", i))
			errc <- err
		}()
	}
	<-got
	for range numCalls {
		if err := <-errc; !errors.Is(err, xenstore.ErrConnClosed) {
			t.Errorf("Read: got error %v, want %v", err, xenstore.ErrConnClosed)
		}
	}

	if err := conn.Wait(); err != nil {
		t.Errorf("Wait: unexpected error: %v", err)
	}

	// All further calls fail immediately.
	if _, err := conn.Read(ctx, "/late"); !errors.Is(err, xenstore.ErrConnClosed) {
		t.Errorf("Read after close: got error %v, want %v", err, xenstore.ErrConnClosed)
	}
}

func TestStartErrors(t *testing.T) {
	t.Run("DoubleStart", func(t *testing.T) {
		loc := storetest.NewLocal()
		defer loc.Stop()

		cli, srv := channel.Direct()
		defer cli.Close()
		defer srv.Close()
		mtest.MustPanic(t, func() { loc.Conn.Start(cli) })
	})

	t.Run("NotStarted", func(t *testing.T) {
		conn := xenstore.NewConn()
		if _, err := conn.Read(context.Background(), "/x"); !errors.Is(err, xenstore.ErrConnClosed) {
			t.Errorf("Read: got error %v, want %v", err, xenstore.ErrConnClosed)
		}
	})
}

func TestContextTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	release := make(chan struct{})
	conn, cleanup := scripted(t, func(srv xenstore.Channel) {
		req := mustRecv(t, srv)
		<-release
		mustSend(t, srv, &xenstore.Message{Op: req.Op, ID: req.ID, Payload: []byte("late")})
		drain(srv)
	})
	defer cleanup()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := conn.Read(ctx, "/slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read: got error %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestParsePerm(t *testing.T) {
	good := []struct {
		input string
		want  xenstore.Perm
	}{
		{"n0", xenstore.Perm{Dom: 0, Access: xenstore.AccessNone}},
		{"r5", xenstore.Perm{Dom: 5, Access: xenstore.AccessRead}},
		{"w12", xenstore.Perm{Dom: 12, Access: xenstore.AccessWrite}},
		{"b4294967295", xenstore.Perm{Dom: 4294967295, Access: xenstore.AccessReadWrite}},
	}
	for _, tc := range good {
		got, err := xenstore.ParsePerm(tc.input)
		if err != nil {
			t.Errorf("ParsePerm(%q): unexpected error: %v", tc.input, err)
		} else if got != tc.want {
			t.Errorf("ParsePerm(%q): got %+v, want %+v", tc.input, got, tc.want)
		}
		if s := got.String(); s != tc.input {
			t.Errorf("Perm(%+v).String: got %q, want %q", got, s, tc.input)
		}
	}

	for _, bad := range []string{"", "r", "x0", "n-1", "r0x", "b4294967296"} {
		if got, err := xenstore.ParsePerm(bad); err == nil {
			t.Errorf("ParsePerm(%q): got %+v, want error", bad, got)
		}
	}
}
