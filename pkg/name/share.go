package name

import "github.com/fruitsalade/vfs/pkg/vfserr"

// ShareParser parses authority URIs whose first path element names a share,
// as in smb://host/share/path.
type ShareParser struct {
	HostParser
}

// Parse implements Parser.
func (p ShareParser) Parse(_ *Name, uri string) (*Name, error) {
	auth, rest, err := p.ExtractToPath(uri)
	if err != nil {
		return nil, err
	}

	rest, err = CanonicalizePath(rest, nil)
	if err != nil {
		return nil, err
	}
	rest = FixSeparators(rest)

	// the share is split off before normalising so that ".." cannot climb
	// out of it
	share, rest := ExtractFirstElement(rest)
	if share == "" {
		return nil, vfserr.New(vfserr.CodeMissingShareName, uri)
	}
	if share, err = Decode(share); err != nil {
		return nil, err
	}

	path, fileType, err := parsePath(rest)
	if err != nil {
		return nil, err
	}

	root := &ShareRoot{HostRoot: *p.root(auth, false), share: share}
	return newName(root, path, fileType, ""), nil
}
