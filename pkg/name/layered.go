package name

import (
	"strings"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// URIParser parses absolute URIs of any registered scheme. Layered names use
// it to parse their outer file.
type URIParser interface {
	ParseURI(uri string) (*Name, error)
}

// LayeredParser parses names of file systems layered on an outer file:
// scheme:<outer-uri>!/path
type LayeredParser struct {
	Outer URIParser
}

// Parse implements Parser.
func (p LayeredParser) Parse(_ *Name, uri string) (*Name, error) {
	scheme, rest, ok := ExtractScheme(nil, uri)
	if !ok {
		return nil, vfserr.New(vfserr.CodeInvalidAbsoluteURI, uri)
	}

	outerURI, rest := splitLayered(rest)
	if outerURI == "" {
		return nil, vfserr.New(vfserr.CodeInvalidAbsoluteURI, uri)
	}
	outer, err := p.Outer.ParseURI(outerURI)
	if err != nil {
		return nil, err
	}

	path, fileType, err := parsePath(rest)
	if err != nil {
		return nil, err
	}
	return newName(&LayeredRoot{scheme: scheme, outer: outer}, path, fileType, ""), nil
}

// NewLayered returns the root name of a file system of the given scheme
// layered on outer.
func NewLayered(scheme string, outer *Name) *Name {
	return newName(&LayeredRoot{scheme: scheme, outer: outer}, "/", Folder, "")
}

// splitLayered splits "<outer>!<path>" at the last '!'. Without a '!' the
// whole string is the outer URI.
func splitLayered(s string) (string, string) {
	idx := strings.LastIndexByte(s, '!')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}
