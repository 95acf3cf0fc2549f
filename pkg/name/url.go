package name

// URLParser parses URL style names. URIs with exactly two slashes after the
// scheme carry an authority and an optional query string; anything else is
// handed to the local parser.
type URLParser struct {
	HostParser
	Local LocalParser
}

// Parse implements Parser.
func (p URLParser) Parse(base *Name, uri string) (*Name, error) {
	if !p.isURLBased(base, uri) {
		return p.Local.Parse(base, uri)
	}

	auth, rest, err := p.ExtractToPath(uri)
	if err != nil {
		return nil, err
	}
	rest, query, _ := ExtractQueryString(rest)

	path, fileType, err := parsePath(rest)
	if err != nil {
		return nil, err
	}
	return newName(p.root(auth, true), path, fileType, query), nil
}

func (p URLParser) isURLBased(base *Name, uri string) bool {
	if base != nil {
		if r, ok := base.root.(*HostRoot); ok && r.url {
			return true
		}
	}
	return CountSlashes(uri) == 2
}
