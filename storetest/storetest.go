// Package storetest provides an in-memory implementation of the
// XenStore wire protocol for testing clients. It is not a store daemon:
// it exists so that connection, watch, and transaction behavior can be
// exercised without a running Xen host.
package storetest

import (
	"bytes"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/Wenzel/xenstore"
	"github.com/Wenzel/xenstore/channel"
	"github.com/creachadair/taskgroup"
)

// Local is an in-memory store with a started connection to it, suitable
// for testing.
type Local struct {
	Conn  *xenstore.Conn
	Store *Store
}

// NewLocal creates a store and a connection communicating with it over
// a direct channel pair, both started.
func NewLocal() *Local {
	cli, srv := channel.Direct()
	return &Local{
		Conn:  xenstore.NewConn().Start(cli),
		Store: New().Start(srv),
	}
}

// Stop shuts down both the connection and the store and blocks until
// both have exited.
func (l *Local) Stop() error {
	cerr := l.Conn.Stop()
	serr := l.Store.Stop()
	if cerr != nil {
		return cerr
	}
	return serr
}

// A Store simulates the store daemon over a single channel: a node
// tree with permissions, watches with subtree matching (including the
// immediate fire on registration), and transactions with snapshot
// isolation and first-committer-wins conflict detection.
//
// Call Start with a channel to begin serving. A zero Store is not
// ready; use New.
type Store struct {
	tasks *taskgroup.Group
	out   struct {
		sync.Mutex
		ch xenstore.Channel
	}

	μ       sync.Mutex
	nodes   map[string]node
	watches map[string]string // watch token → path
	txs     map[uint32]*tx
	lastTx  uint32
	gen     uint64 // bumped by every applied mutation
	domains map[uint32]bool
}

type node struct {
	value string
	perms []string
}

// tx is a transaction in flight: a private copy of the tree plus the
// generation it was taken at.
type tx struct {
	nodes map[string]node
	base  uint64
}

// New constructs a store containing only the root node.
func New() *Store {
	return &Store{
		nodes:   map[string]node{"/": {}},
		watches: make(map[string]string),
		txs:     make(map[uint32]*tx),
		domains: make(map[uint32]bool),
	}
}

// Start starts the store serving requests from ch. It does not block;
// call Wait to wait for the service routine to exit.
func (s *Store) Start(ch xenstore.Channel) *Store {
	if s.tasks != nil {
		panic("store is already started")
	}
	s.out.ch = ch
	s.tasks = taskgroup.New(nil)
	s.tasks.Go(func() error {
		for {
			msg, err := ch.Recv()
			if err != nil {
				s.closeOut()
				return nil
			}
			s.handle(msg)
		}
	})
	return s
}

// Stop closes the channel and terminates the store, blocking until the
// service routine has exited.
func (s *Store) Stop() error { s.closeOut(); s.Wait(); return nil }

// Wait blocks until the service routine has exited.
func (s *Store) Wait() {
	if s.tasks != nil {
		s.tasks.Wait()
	}
}

// AddDomain marks domID as introduced, for IS_DOMAIN_INTRODUCED.
func (s *Store) AddDomain(domID uint32) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.domains[domID] = true
}

func (s *Store) closeOut() {
	s.out.Lock()
	defer s.out.Unlock()
	if s.out.ch != nil {
		s.out.ch.Close()
	}
}

func (s *Store) send(msg *xenstore.Message) {
	s.out.Lock()
	defer s.out.Unlock()
	if s.out.ch != nil {
		s.out.ch.Send(msg)
	}
}

func (s *Store) reply(req *xenstore.Message, payload []byte) {
	s.send(&xenstore.Message{Op: req.Op, ID: req.ID, Tx: req.Tx, Payload: payload})
}

func (s *Store) replyErr(req *xenstore.Message, name string) {
	s.send(&xenstore.Message{Op: xenstore.OpError, ID: req.ID, Tx: req.Tx, Payload: []byte(name + "\x00")})
}

var okPayload = []byte("OK\x00")

func (s *Store) handle(req *xenstore.Message) {
	payload, errName, fired := s.apply(req)
	if errName != "" {
		s.replyErr(req, errName)
		return
	}
	s.reply(req, payload)
	if req.Op == xenstore.OpWatch {
		// The registration event goes only to the new watch, not to any
		// other watch whose subtree happens to contain the path.
		f := req.PayloadFields()
		s.send(&xenstore.Message{
			Op:      xenstore.OpWatchEvent,
			Payload: []byte(f[0] + "\x00" + f[1] + "\x00"),
		})
		return
	}
	for _, f := range fired {
		s.fire(f)
	}
}

// fire sends a WATCH_EVENT for path to every watch whose subtree
// contains it.
func (s *Store) fire(path string) {
	s.μ.Lock()
	var events []*xenstore.Message
	for token, wpath := range s.watches {
		if covers(wpath, path) {
			events = append(events, &xenstore.Message{
				Op:      xenstore.OpWatchEvent,
				Payload: []byte(path + "\x00" + token + "\x00"),
			})
		}
	}
	s.μ.Unlock()
	for _, ev := range events {
		s.send(ev)
	}
}

// covers reports whether fired lies in the subtree watched at wpath.
func covers(wpath, fired string) bool {
	return fired == wpath || strings.HasPrefix(fired, childPrefix(wpath))
}

func childPrefix(path string) string {
	if path == "/" {
		return "/"
	}
	return path + "/"
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

// apply executes a request against the tree and returns the reply
// payload, an errno name for failures, and the paths whose watches
// should fire.
func (s *Store) apply(req *xenstore.Message) (payload []byte, errName string, fired []string) {
	s.μ.Lock()
	defer s.μ.Unlock()

	// Select the tree the operation acts on: the shared tree, or the
	// private copy of its transaction.
	view := s.nodes
	var curTx *tx
	if req.Tx != 0 && req.Op != xenstore.OpTransactionEnd {
		curTx = s.txs[req.Tx]
		if curTx == nil {
			return nil, "EINVAL", nil
		}
		view = curTx.nodes
	}
	// bump records a mutation: direct mutations advance the shared
	// generation and fire watches, transactional ones stay private.
	bump := func(paths ...string) {
		if curTx == nil {
			s.gen++
			fired = append(fired, paths...)
		}
	}

	fields := req.PayloadFields()
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch req.Op {
	case xenstore.OpRead:
		n, ok := view[arg(0)]
		if !ok {
			return nil, "ENOENT", nil
		}
		return []byte(n.value), "", nil

	case xenstore.OpWrite:
		// The value is raw bytes after the path terminator, not a field.
		i := bytes.IndexByte(req.Payload, 0)
		if i < 0 {
			return nil, "EINVAL", nil
		}
		path, value := string(req.Payload[:i]), string(req.Payload[i+1:])
		created := ensure(view, parent(path))
		n := view[path]
		n.value = value
		view[path] = n
		bump(append(created, path)...)
		return okPayload, "", fired

	case xenstore.OpMkdir:
		path := arg(0)
		if _, ok := view[path]; ok {
			return okPayload, "", nil
		}
		bump(ensure(view, path)...)
		return okPayload, "", fired

	case xenstore.OpRm:
		path := arg(0)
		if path == "/" {
			return nil, "EINVAL", nil
		}
		if _, ok := view[path]; !ok {
			return nil, "ENOENT", nil
		}
		prefix := childPrefix(path)
		for k := range view {
			if k == path || strings.HasPrefix(k, prefix) {
				delete(view, k)
			}
		}
		bump(path)
		return okPayload, "", fired

	case xenstore.OpDirectory:
		path := arg(0)
		if _, ok := view[path]; !ok {
			return nil, "ENOENT", nil
		}
		prefix := childPrefix(path)
		var names []string
		for k := range view {
			if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
				names = append(names, rest)
			}
		}
		sort.Strings(names)
		var buf []byte
		for _, name := range names {
			buf = append(buf, name...)
			buf = append(buf, 0)
		}
		return buf, "", nil

	case xenstore.OpGetPerms:
		n, ok := view[arg(0)]
		if !ok {
			return nil, "ENOENT", nil
		}
		perms := n.perms
		if len(perms) == 0 {
			perms = []string{"n0"}
		}
		var buf []byte
		for _, p := range perms {
			buf = append(buf, p...)
			buf = append(buf, 0)
		}
		return buf, "", nil

	case xenstore.OpSetPerms:
		if len(fields) < 2 {
			return nil, "EINVAL", nil
		}
		path := fields[0]
		n, ok := view[path]
		if !ok {
			return nil, "ENOENT", nil
		}
		for _, p := range fields[1:] {
			if _, err := xenstore.ParsePerm(p); err != nil {
				return nil, "EINVAL", nil
			}
		}
		n.perms = append([]string(nil), fields[1:]...)
		view[path] = n
		bump(path)
		return okPayload, "", fired

	case xenstore.OpTransactionStart:
		s.lastTx++
		id := s.lastTx
		s.txs[id] = &tx{nodes: maps.Clone(s.nodes), base: s.gen}
		return []byte(strconv.FormatUint(uint64(id), 10) + "\x00"), "", nil

	case xenstore.OpTransactionEnd:
		t := s.txs[req.Tx]
		if t == nil {
			return nil, "EINVAL", nil
		}
		delete(s.txs, req.Tx)
		if arg(0) != "T" {
			return okPayload, "", nil // aborted, nothing to apply
		}
		if t.base != s.gen {
			return nil, "EAGAIN", nil
		}
		fired = treeDiff(s.nodes, t.nodes)
		s.nodes = t.nodes
		if len(fired) > 0 {
			s.gen++
		}
		return okPayload, "", fired

	case xenstore.OpWatch:
		path, token := arg(0), arg(1)
		if path == "" || token == "" {
			return nil, "EINVAL", nil
		}
		if _, ok := s.watches[token]; ok {
			return nil, "EEXIST", nil
		}
		s.watches[token] = path
		return okPayload, "", nil

	case xenstore.OpUnwatch:
		token := arg(1)
		if _, ok := s.watches[token]; !ok {
			return nil, "ENOENT", nil
		}
		delete(s.watches, token)
		return okPayload, "", nil

	case xenstore.OpResetWatches:
		clear(s.watches)
		return okPayload, "", nil

	case xenstore.OpGetDomainPath:
		id, err := strconv.ParseUint(arg(0), 10, 32)
		if err != nil {
			return nil, "EINVAL", nil
		}
		return []byte("/local/domain/" + strconv.FormatUint(id, 10) + "\x00"), "", nil

	case xenstore.OpIsDomainIntroduced:
		id, err := strconv.ParseUint(arg(0), 10, 32)
		if err != nil {
			return nil, "EINVAL", nil
		}
		if s.domains[uint32(id)] {
			return []byte("T\x00"), "", nil
		}
		return []byte("F\x00"), "", nil

	default:
		return nil, "ENOSYS", nil
	}
}

// ensure creates path and any missing ancestors as empty nodes, and
// returns the paths it created, ancestors first.
func ensure(view map[string]node, path string) (created []string) {
	if path == "/" || path == "" {
		return nil
	}
	if _, ok := view[path]; ok {
		return nil
	}
	created = ensure(view, parent(path))
	view[path] = node{}
	return append(created, path)
}

// treeDiff returns the paths whose value differs between old and new,
// including paths present in only one of them.
func treeDiff(old, new map[string]node) []string {
	var diff []string
	for k, n := range new {
		if o, ok := old[k]; !ok || o.value != n.value {
			diff = append(diff, k)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}
