package name

import "strings"

// FileType is the advisory type recorded on a name. It is not filesystem
// truth: backends re-check it on demand.
type FileType int

const (
	Imaginary FileType = iota
	File
	Folder
)

func (t FileType) String() string {
	switch t {
	case File:
		return "file"
	case Folder:
		return "folder"
	default:
		return "imaginary"
	}
}

// HasContent reports whether files of this type carry a byte stream.
func (t FileType) HasContent() bool { return t == File }

// HasChildren reports whether files of this type can be listed.
func (t FileType) HasChildren() bool { return t == Folder }

// Scope restricts where a resolved relative name may land.
type Scope int

const (
	// ScopeFileSystem allows any name on the same file system.
	ScopeFileSystem Scope = iota
	// ScopeChild allows only immediate children of the base.
	ScopeChild
	// ScopeDescendent allows any name below the base.
	ScopeDescendent
	// ScopeDescendentOrSelf allows the base itself or any name below it.
	ScopeDescendentOrSelf
)

func (s Scope) String() string {
	switch s {
	case ScopeChild:
		return "child"
	case ScopeDescendent:
		return "descendent"
	case ScopeDescendentOrSelf:
		return "descendent_or_self"
	default:
		return "filesystem"
	}
}

// CheckName reports whether path lies within scope of basePath. Both paths
// must be normalised absolute paths.
func CheckName(basePath, path string, scope Scope) bool {
	if scope == ScopeFileSystem {
		return true
	}
	if !strings.HasPrefix(path, basePath) {
		return false
	}

	baseLen := len(basePath)
	switch scope {
	case ScopeChild:
		return len(path) != baseLen &&
			(baseLen <= 1 || path[baseLen] == Separator) &&
			strings.IndexByte(path[min(baseLen+1, len(path)):], Separator) == -1
	case ScopeDescendent:
		return len(path) != baseLen &&
			(baseLen <= 1 || path[baseLen] == Separator)
	case ScopeDescendentOrSelf:
		return baseLen <= 1 || len(path) <= baseLen || path[baseLen] == Separator
	}
	panic("name: unknown scope " + scope.String())
}
