// Package channel provides implementations of the xenstore.Channel
// interface, and helpers for connecting to a store daemon.
package channel

import (
	"bufio"
	"io"
	"net"
	"os"
	"runtime"

	"github.com/Wenzel/xenstore"
)

// Direct constructs a connected pair of in-memory channels that pass
// messages directly without encoding into binary. Messages sent to A
// are received by B and vice versa.
func Direct() (A, B xenstore.Channel) {
	a2b := make(chan *xenstore.Message)
	b2a := make(chan *xenstore.Message)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *xenstore.Message
	b2a <-chan *xenstore.Message
}

// Send implements a method of the [xenstore.Channel] interface.
func (d direct) Send(msg *xenstore.Message) (err error) {
	defer safeClose(&err)
	d.a2b <- msg
	return nil
}

// Recv implements a method of the [xenstore.Channel] interface.
func (d direct) Recv() (*xenstore.Message, error) {
	msg, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return msg, nil
}

// Close implements a method of the [xenstore.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives messages on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [xenstore.Channel] interface.
func (c IOChannel) Send(msg *xenstore.Message) error {
	if _, err := msg.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [xenstore.Channel] interface.
func (c IOChannel) Recv() (*xenstore.Message, error) {
	var msg xenstore.Message
	if _, err := msg.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close implements a method of the [xenstore.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// SocketPath is the conventional Unix socket of the store daemon in the
// control domain. The XENSTORED_PATH environment variable overrides it.
const SocketPath = "/run/xenstored/socket"

// DevicePath returns the xenbus device node used to reach the store
// from inside a guest on this platform.
func DevicePath() string {
	switch runtime.GOOS {
	case "freebsd":
		return "/dev/xen/xenstore"
	case "netbsd":
		return "/kern/xen/xenbus"
	default:
		return "/dev/xen/xenbus"
	}
}

// Dial connects to the store daemon's Unix socket at path.
func Dial(path string) (xenstore.Channel, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}

// Open connects to the store using the conventional probe order: the
// socket named by XENSTORED_PATH if set, then [SocketPath], then the
// platform device node.
func Open() (xenstore.Channel, error) {
	if p := os.Getenv("XENSTORED_PATH"); p != "" {
		return Dial(p)
	}
	if ch, err := Dial(SocketPath); err == nil {
		return ch, nil
	}
	f, err := os.OpenFile(DevicePath(), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return IO(f, f), nil
}
