package name

import (
	"sort"
	"sync"

	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Registry maps schemes to parsers. URIs without a scheme go to the local
// parser.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
	local   Parser
}

// NewRegistry creates a registry whose scheme-less fallback is local. local
// may be nil, in which case scheme-less URIs are rejected.
func NewRegistry(local Parser) *Registry {
	return &Registry{
		parsers: make(map[string]Parser),
		local:   local,
	}
}

// Register adds or replaces the parser for scheme.
func (r *Registry) Register(scheme string, p Parser) {
	r.mu.Lock()
	r.parsers[scheme] = p
	r.mu.Unlock()
}

// Parser returns the parser registered for scheme.
func (r *Registry) Parser(scheme string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[scheme]
	return p, ok
}

// Schemes returns the registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.parsers))
	for s := range r.parsers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// ParseURI parses an absolute URI.
func (r *Registry) ParseURI(uri string) (*Name, error) {
	return r.Parse(nil, uri)
}

// Parse parses uri with the parser of its scheme.
func (r *Registry) Parse(base *Name, uri string) (*Name, error) {
	if err := CheckURIEncoding(uri); err != nil {
		return nil, err
	}

	scheme, _, hasScheme := ExtractScheme(r.Schemes(), uri)
	if hasScheme {
		if p, ok := r.Parser(scheme); ok {
			return p.Parse(base, uri)
		}
		if lp, ok := r.local.(LocalParser); !ok || !lp.isDrive(scheme) {
			return nil, vfserr.Newf(vfserr.CodeUnknownScheme, "%s (%s)", scheme, uri)
		}
	}

	if r.local == nil {
		return nil, vfserr.New(vfserr.CodeInvalidAbsoluteURI, uri)
	}
	n, err := r.local.Parse(base, uri)
	if err != nil {
		return nil, vfserr.Wrap(vfserr.CodeInvalidAbsoluteURI, uri, err)
	}
	return n, nil
}

// ResolveName resolves path against base within scope. An absolute URI with
// a registered scheme is parsed as such.
func (r *Registry) ResolveName(base *Name, path string, scope Scope) (*Name, error) {
	if scheme, _, ok := ExtractScheme(r.Schemes(), path); ok {
		if _, registered := r.Parser(scheme); registered {
			n, err := r.Parse(base, path)
			if err != nil {
				return nil, err
			}
			if base != nil && !base.IsDescendent(n, scope) && scope != ScopeFileSystem {
				return nil, vfserr.New(vfserr.CodeInvalidDescendentName, path)
			}
			return n, nil
		}
	}
	if base == nil {
		return r.ParseURI(path)
	}
	return base.Resolve(path, scope)
}
