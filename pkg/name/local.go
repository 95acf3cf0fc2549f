package name

import (
	"strings"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// LocalStyle selects how the root of a local file name is recognised. The
// boundary between an invalid URI and an invalid local name differs between
// the two, so it is a policy rather than a property of the host.
type LocalStyle int

const (
	// StylePOSIX requires an absolute path; the root has no designator.
	StylePOSIX LocalStyle = iota
	// StyleWindows accepts a drive ("c:/") or a UNC prefix ("//host/share").
	StyleWindows
)

// ParseLocalStyle maps "posix" or "windows" to a LocalStyle.
func ParseLocalStyle(s string) (LocalStyle, bool) {
	switch strings.ToLower(s) {
	case "", "posix", "unix":
		return StylePOSIX, true
	case "windows":
		return StyleWindows, true
	}
	return StylePOSIX, false
}

// LocalParser parses local file names, with or without a scheme. A name
// without a scheme gets Scheme, or "file" when that is empty.
type LocalParser struct {
	Scheme string
	Style  LocalStyle
}

// Parse implements Parser.
func (p LocalParser) Parse(_ *Name, uri string) (*Name, error) {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "file"
	}
	rest := uri
	if s, r, ok := ExtractScheme(nil, uri); ok && !p.isDrive(s) {
		scheme, rest = s, r
	}

	rest, err := CanonicalizePath(rest, nil)
	if err != nil {
		return nil, err
	}
	rest = FixSeparators(rest)

	var designator string
	if p.Style == StyleWindows {
		designator, rest, err = extractWindowsRoot(uri, rest)
	} else {
		designator, rest, err = extractPOSIXRoot(uri, rest)
	}
	if err != nil {
		return nil, err
	}

	path, fileType, err := parsePath(rest)
	if err != nil {
		return nil, err
	}
	return newName(&LocalRoot{scheme: scheme, designator: designator}, path, fileType, ""), nil
}

// isDrive reports whether scheme is a drive letter rather than a scheme.
func (p LocalParser) isDrive(scheme string) bool {
	return p.Style == StyleWindows && len(scheme) == 1 && scheme != p.Scheme
}

func extractPOSIXRoot(uri, s string) (string, string, error) {
	if s == "" || s[0] != Separator {
		return "", "", vfserr.New(vfserr.CodeNotAbsoluteFileName, uri)
	}
	return "", s, nil
}

// extractWindowsRoot looks for
//
//	('/'){0,3} <letter> ':' '/'
//	['/'] '//' <name> '/' <name> ( '/' | <end> )
func extractWindowsRoot(uri, s string) (string, string, error) {
	start := 0
	maxlen := min(4, len(s))
	for start < maxlen && s[start] == Separator {
		start++
	}
	if start == maxlen && len(s) > start+1 && s[start+1] == Separator {
		return "", "", vfserr.New(vfserr.CodeNotAbsoluteFileName, uri)
	}
	s = s[start:]

	if drive, rest, ok := extractDrive(s); ok {
		return drive, rest, nil
	}

	if start < 2 {
		return "", "", vfserr.New(vfserr.CodeNotAbsoluteFileName, uri)
	}
	prefix, rest, err := extractUNC(uri, s)
	if err != nil {
		return "", "", err
	}
	return "//" + prefix, rest, nil
}

func extractDrive(s string) (string, string, bool) {
	if len(s) < 3 {
		return "", s, false
	}
	if s[0] == Separator || s[0] == ':' || s[1] != ':' || s[2] != Separator {
		return "", s, false
	}
	return s[:2], s[2:], true
}

func extractUNC(uri, s string) (string, string, error) {
	pos := strings.IndexByte(s, Separator)
	if pos < 0 {
		pos = len(s)
	}
	pos++
	if pos >= len(s) {
		return "", "", vfserr.New(vfserr.CodeMissingShareName, uri)
	}

	startShare := pos
	for pos < len(s) && s[pos] != Separator {
		pos++
	}
	if pos == startShare {
		return "", "", vfserr.New(vfserr.CodeMissingShareName, uri)
	}
	return s[:pos], s[pos:], nil
}
