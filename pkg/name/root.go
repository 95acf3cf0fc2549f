package name

import (
	"strconv"
	"strings"
)

type credentialMode int

const (
	credentialsFull credentialMode = iota
	credentialsMasked
	credentialsNone
)

var (
	userNameReserved = []byte{':', '@', '/'}
	passwordReserved = []byte{'@', '/', '?'}
)

// Root describes how the root of a name renders. The set of families is
// closed: authority (HostRoot, ShareRoot), local (LocalRoot) and layered
// (LayeredRoot).
type Root interface {
	Scheme() string
	// appendURI writes the root without its trailing separator.
	appendURI(b *strings.Builder, mode credentialMode)
}

// HostRoot is the root of an authority based name:
// scheme://[user[:password]@]host[:port]/
type HostRoot struct {
	scheme      string
	userName    string
	password    string
	hostName    string
	port        int
	defaultPort int
	url         bool
}

func (r *HostRoot) Scheme() string   { return r.scheme }
func (r *HostRoot) UserName() string { return r.userName }
func (r *HostRoot) Password() string { return r.password }
func (r *HostRoot) HostName() string { return r.hostName }

// Port returns the effective port, which is the default port when the URI
// named none.
func (r *HostRoot) Port() int        { return r.port }
func (r *HostRoot) DefaultPort() int { return r.defaultPort }

func (r *HostRoot) appendURI(b *strings.Builder, mode credentialMode) {
	b.WriteString(r.scheme)
	b.WriteString("://")
	r.appendAuthority(b, mode)
}

func (r *HostRoot) appendAuthority(b *strings.Builder, mode credentialMode) {
	if r.userName != "" && mode != credentialsNone {
		b.WriteString(Encode(r.userName, userNameReserved...))
		if r.password != "" {
			b.WriteByte(':')
			if mode == credentialsFull {
				b.WriteString(Encode(r.password, passwordReserved...))
			} else {
				b.WriteString("***")
			}
		}
		b.WriteByte('@')
	}
	b.WriteString(r.hostName)
	if r.port > 0 && r.port != r.defaultPort {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.port))
	}
}

// ShareRoot is an authority root with a mandatory first path segment:
// scheme://host/share/
type ShareRoot struct {
	HostRoot
	share string
}

func (r *ShareRoot) Share() string { return r.share }

func (r *ShareRoot) appendURI(b *strings.Builder, mode credentialMode) {
	r.HostRoot.appendURI(b, mode)
	b.WriteByte(Separator)
	b.WriteString(r.share)
}

// LocalRoot is the root of a local file name: scheme://<designator>/ where the
// designator is empty (POSIX), a drive ("c:") or a UNC prefix ("//host/share").
type LocalRoot struct {
	scheme     string
	designator string
}

func (r *LocalRoot) Scheme() string     { return r.scheme }
func (r *LocalRoot) Designator() string { return r.designator }

func (r *LocalRoot) appendURI(b *strings.Builder, _ credentialMode) {
	b.WriteString(r.scheme)
	b.WriteString("://")
	if r.designator != "" && r.designator[0] != Separator {
		// drive letter
		b.WriteByte(Separator)
	}
	b.WriteString(r.designator)
}

// LayeredRoot is the root of a file system built from an outer file:
// scheme:<outer-uri>!/
type LayeredRoot struct {
	scheme string
	outer  *Name
}

func (r *LayeredRoot) Scheme() string { return r.scheme }
func (r *LayeredRoot) Outer() *Name   { return r.outer }

func (r *LayeredRoot) appendURI(b *strings.Builder, mode credentialMode) {
	b.WriteString(r.scheme)
	b.WriteByte(':')
	switch mode {
	case credentialsFull:
		b.WriteString(r.outer.URI())
	case credentialsMasked:
		b.WriteString(r.outer.FriendlyURI())
	default:
		b.WriteString(r.outer.Key())
	}
	b.WriteByte('!')
}

// pathReserved returns the bytes escaped when a path under root is rendered.
func pathReserved(root Root) []byte {
	switch r := root.(type) {
	case *LocalRoot:
		return []byte{'#'}
	case *LayeredRoot:
		return []byte{'#', ' ', '!'}
	case *ShareRoot:
		return []byte{'#', ' '}
	case *HostRoot:
		if r.url {
			return []byte{'#', ' ', '?'}
		}
		return []byte{'#', ' '}
	}
	return []byte{'#', ' '}
}

func renderRoot(root Root, mode credentialMode) string {
	var b strings.Builder
	root.appendURI(&b, mode)
	return b.String()
}
