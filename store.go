package xenstore

import (
	"context"
	"fmt"
	"strconv"
)

// A caller issues a single store operation and returns its reply.
// Conn issues operations outside any transaction; Transaction tags them
// with its id.
type caller interface {
	do(ctx context.Context, op Op, payload []byte) (*Message, error)
}

func (c *Conn) do(ctx context.Context, op Op, payload []byte) (*Message, error) {
	return c.call(ctx, op, 0, payload)
}

// Read returns the value of the node at path.
func (c *Conn) Read(ctx context.Context, path string) (string, error) { return read(ctx, c, path) }

// Write stores value at path, creating the node and any missing parent
// nodes as needed.
func (c *Conn) Write(ctx context.Context, path, value string) error { return write(ctx, c, path, value) }

// Mkdir creates an empty node at path if one does not already exist.
func (c *Conn) Mkdir(ctx context.Context, path string) error { return mkdir(ctx, c, path) }

// Rm removes the node at path and all its children.
func (c *Conn) Rm(ctx context.Context, path string) error { return rm(ctx, c, path) }

// List returns the names of the immediate children of the node at path.
func (c *Conn) List(ctx context.Context, path string) ([]string, error) { return list(ctx, c, path) }

// GetPermissions returns the permission entries of the node at path.
// The first entry names the owner domain and the default access class.
func (c *Conn) GetPermissions(ctx context.Context, path string) ([]Perm, error) {
	return getPerms(ctx, c, path)
}

// SetPermissions replaces the permission entries of the node at path.
func (c *Conn) SetPermissions(ctx context.Context, path string, perms []Perm) error {
	return setPerms(ctx, c, path, perms)
}

// Read returns the value of the node at path as seen by the transaction.
func (t *Transaction) Read(ctx context.Context, path string) (string, error) {
	return read(ctx, t, path)
}

// Write stores value at path within the transaction.
func (t *Transaction) Write(ctx context.Context, path, value string) error {
	return write(ctx, t, path, value)
}

// Mkdir creates an empty node at path within the transaction.
func (t *Transaction) Mkdir(ctx context.Context, path string) error { return mkdir(ctx, t, path) }

// Rm removes the node at path and all its children within the transaction.
func (t *Transaction) Rm(ctx context.Context, path string) error { return rm(ctx, t, path) }

// List returns the names of the immediate children of the node at path
// as seen by the transaction.
func (t *Transaction) List(ctx context.Context, path string) ([]string, error) {
	return list(ctx, t, path)
}

// GetPermissions returns the permission entries of the node at path as
// seen by the transaction.
func (t *Transaction) GetPermissions(ctx context.Context, path string) ([]Perm, error) {
	return getPerms(ctx, t, path)
}

// SetPermissions replaces the permission entries of the node at path
// within the transaction.
func (t *Transaction) SetPermissions(ctx context.Context, path string, perms []Perm) error {
	return setPerms(ctx, t, path, perms)
}

func read(ctx context.Context, s caller, path string) (string, error) {
	rsp, err := s.do(ctx, OpRead, fieldPayload(path))
	if err != nil {
		return "", err
	}
	return rsp.PayloadString(), nil
}

func write(ctx context.Context, s caller, path, value string) error {
	_, err := s.do(ctx, OpWrite, valuePayload(path, value))
	return err
}

func mkdir(ctx context.Context, s caller, path string) error {
	_, err := s.do(ctx, OpMkdir, fieldPayload(path))
	return err
}

func rm(ctx context.Context, s caller, path string) error {
	_, err := s.do(ctx, OpRm, fieldPayload(path))
	return err
}

func list(ctx context.Context, s caller, path string) ([]string, error) {
	rsp, err := s.do(ctx, OpDirectory, fieldPayload(path))
	if err != nil {
		return nil, err
	}
	return rsp.PayloadFields(), nil
}

func getPerms(ctx context.Context, s caller, path string) ([]Perm, error) {
	rsp, err := s.do(ctx, OpGetPerms, fieldPayload(path))
	if err != nil {
		return nil, err
	}
	fields := rsp.PayloadFields()
	perms := make([]Perm, len(fields))
	for i, f := range fields {
		p, err := ParsePerm(f)
		if err != nil {
			return nil, err
		}
		perms[i] = p
	}
	return perms, nil
}

func setPerms(ctx context.Context, s caller, path string, perms []Perm) error {
	fields := make([]string, 1+len(perms))
	fields[0] = path
	for i, p := range perms {
		fields[i+1] = p.String()
	}
	_, err := s.do(ctx, OpSetPerms, fieldPayload(fields...))
	return err
}

// GetDomainPath returns the store path owned by the domain with the
// given id, typically /local/domain/<id>.
func (c *Conn) GetDomainPath(ctx context.Context, domID uint32) (string, error) {
	rsp, err := c.call(ctx, OpGetDomainPath, 0, fieldPayload(formatDomID(domID)))
	if err != nil {
		return "", err
	}
	return rsp.PayloadString(), nil
}

// IsDomainIntroduced reports whether the domain with the given id has
// been introduced to the store.
func (c *Conn) IsDomainIntroduced(ctx context.Context, domID uint32) (bool, error) {
	rsp, err := c.call(ctx, OpIsDomainIntroduced, 0, fieldPayload(formatDomID(domID)))
	if err != nil {
		return false, err
	}
	return rsp.PayloadString() == "T", nil
}

// ResetWatches asks the store to discard all watches registered by this
// connection, without naming them individually. Existing Watch handles
// stop receiving events but remain registered locally; cancel them as
// usual.
func (c *Conn) ResetWatches(ctx context.Context) error {
	_, err := c.call(ctx, OpResetWatches, 0, fieldPayload(""))
	return err
}

func formatDomID(domID uint32) string { return strconv.FormatUint(uint64(domID), 10) }

// Access is the access class of a permission entry.
type Access byte

const (
	AccessNone      Access = 'n' // no access
	AccessRead      Access = 'r' // read only
	AccessWrite     Access = 'w' // write only
	AccessReadWrite Access = 'b' // read and write
)

// A Perm is a single node permission entry: an access class and the
// domain id it applies to. The wire form is the class letter followed
// by the decimal domain id, e.g. "r0" or "b5".
type Perm struct {
	Dom    uint32
	Access Access
}

// String returns the wire form of p.
func (p Perm) String() string {
	return string(p.Access) + strconv.FormatUint(uint64(p.Dom), 10)
}

// ParsePerm parses the wire form of a permission entry.
func ParsePerm(s string) (Perm, error) {
	if len(s) < 2 {
		return Perm{}, fmt.Errorf("invalid permission %q", s)
	}
	switch a := Access(s[0]); a {
	case AccessNone, AccessRead, AccessWrite, AccessReadWrite:
		dom, err := strconv.ParseUint(s[1:], 10, 32)
		if err != nil {
			return Perm{}, fmt.Errorf("invalid permission %q: %w", s, err)
		}
		return Perm{Dom: uint32(dom), Access: a}, nil
	default:
		return Perm{}, fmt.Errorf("invalid access class %q", s[:1])
	}
}
