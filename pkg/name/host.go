package name

import (
	"strconv"
	"strings"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Parser turns a URI into a Name. base is the name the URI is resolved
// against, or nil.
type Parser interface {
	Parse(base *Name, uri string) (*Name, error)
}

// Authority is the decoded user, password, host and port of a URI.
type Authority struct {
	Scheme   string
	UserName string
	Password string
	HostName string
	Port     int
}

// HostParser parses authority based URIs:
// scheme://[user[:password]@]host[:port][/path]
type HostParser struct {
	DefaultPort int
}

// Parse implements Parser.
func (p HostParser) Parse(_ *Name, uri string) (*Name, error) {
	auth, rest, err := p.ExtractToPath(uri)
	if err != nil {
		return nil, err
	}
	path, fileType, err := parsePath(rest)
	if err != nil {
		return nil, err
	}
	return newName(p.root(auth, false), path, fileType, ""), nil
}

func (p HostParser) root(auth Authority, url bool) *HostRoot {
	port := auth.Port
	if port < 1 {
		port = p.DefaultPort
	}
	return &HostRoot{
		scheme:      auth.Scheme,
		userName:    auth.UserName,
		password:    auth.Password,
		hostName:    auth.HostName,
		port:        port,
		defaultPort: p.DefaultPort,
		url:         url,
	}
}

// ExtractToPath parses everything up to the path and returns the remainder,
// which is empty or starts with a separator. A port of -1 means none was given.
func (p HostParser) ExtractToPath(uri string) (Authority, string, error) {
	var auth Authority

	scheme, rest, ok := ExtractScheme(nil, uri)
	if !ok {
		return auth, "", vfserr.New(vfserr.CodeInvalidAbsoluteURI, uri)
	}
	auth.Scheme = scheme

	if !strings.HasPrefix(rest, "//") {
		return auth, "", vfserr.New(vfserr.CodeMissingDoubleSlashes, uri)
	}
	rest = rest[2:]

	userInfo, rest, hasUserInfo := extractUserInfo(rest)
	if hasUserInfo {
		user, password, _ := strings.Cut(userInfo, ":")
		var err error
		if auth.UserName, err = Decode(user); err != nil {
			return auth, "", err
		}
		if auth.Password, err = Decode(password); err != nil {
			return auth, "", err
		}
	}

	host, rest, err := extractHostName(uri, rest)
	if err != nil {
		return auth, "", err
	}
	if host == "" {
		return auth, "", vfserr.New(vfserr.CodeMissingHostname, uri)
	}
	auth.HostName = strings.ToLower(host)

	auth.Port, rest, err = extractPort(uri, rest)
	if err != nil {
		return auth, "", err
	}

	if rest != "" && rest[0] != Separator {
		return auth, "", vfserr.New(vfserr.CodeMissingHostnamePathSep, uri)
	}
	return auth, rest, nil
}

func extractUserInfo(s string) (string, string, bool) {
	for pos := 0; pos < len(s); pos++ {
		switch s[pos] {
		case '@':
			return s[:pos], s[pos+1:], true
		case '/', '?':
			return "", s, false
		}
	}
	return "", s, false
}

func extractHostName(uri, s string) (string, string, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return "", "", vfserr.New(vfserr.CodeUnterminatedIPv6Host, uri)
		}
		return s[:end+1], s[end+1:], nil
	}

	pos := 0
	for ; pos < len(s); pos++ {
		if strings.IndexByte("/;?:@&=+$,", s[pos]) >= 0 {
			break
		}
	}
	return s[:pos], s[pos:], nil
}

func extractPort(uri, s string) (int, string, error) {
	if s == "" || s[0] != ':' {
		return -1, s, nil
	}
	pos := 1
	for pos < len(s) && isDigit(s[pos]) {
		pos++
	}
	digits := s[1:pos]
	if digits == "" {
		return -1, s, vfserr.New(vfserr.CodeMissingPort, uri)
	}
	port, err := strconv.Atoi(digits)
	if err != nil {
		return -1, s, vfserr.Wrap(vfserr.CodeMissingPort, uri, err)
	}
	return port, s[pos:], nil
}
