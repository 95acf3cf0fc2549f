package vfs

import (
	"encoding/json"
	"strings"
)

// Capability is one operation a file system may support.
type Capability uint32

const (
	CapReadContent Capability = 1 << iota
	CapWriteContent
	CapAppendContent
	CapRandomAccessRead
	CapListChildren
	CapRename
	CapDelete
	CapCreate
	CapGetLastModified
	CapSetLastModifiedFile
	CapGetType
	CapJunctions
	CapVirtual
	CapCompress
)

var capabilityNames = []string{
	"READ_CONTENT",
	"WRITE_CONTENT",
	"APPEND_CONTENT",
	"RANDOM_ACCESS_READ",
	"LIST_CHILDREN",
	"RENAME",
	"DELETE",
	"CREATE",
	"GET_LAST_MODIFIED",
	"SET_LAST_MODIFIED_FILE",
	"GET_TYPE",
	"JUNCTIONS",
	"VIRTUAL",
	"COMPRESS",
}

func (c Capability) String() string {
	for i, n := range capabilityNames {
		if c == 1<<i {
			return n
		}
	}
	return "UNKNOWN"
}

// Capabilities is a set of capabilities.
type Capabilities uint32

// NewCapabilities returns the set holding caps.
func NewCapabilities(caps ...Capability) Capabilities {
	var s Capabilities
	for _, c := range caps {
		s |= Capabilities(c)
	}
	return s
}

// Has reports whether c is in the set.
func (s Capabilities) Has(c Capability) bool { return s&Capabilities(c) != 0 }

// With returns the set with caps added.
func (s Capabilities) With(caps ...Capability) Capabilities { return s | NewCapabilities(caps...) }

// Without returns the set with caps removed.
func (s Capabilities) Without(caps ...Capability) Capabilities { return s &^ NewCapabilities(caps...) }

// List returns the capabilities in the set, in declaration order.
func (s Capabilities) List() []Capability {
	var caps []Capability
	for i := range capabilityNames {
		if c := Capability(1 << i); s.Has(c) {
			caps = append(caps, c)
		}
	}
	return caps
}

func (s Capabilities) String() string {
	caps := s.List()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.String()
	}
	return strings.Join(names, ",")
}

// MarshalJSON renders the set as a list of names.
func (s Capabilities) MarshalJSON() ([]byte, error) {
	names := []string{}
	for _, c := range s.List() {
		names = append(names, c.String())
	}
	return json.Marshal(names)
}
