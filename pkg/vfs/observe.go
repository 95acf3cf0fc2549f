package vfs

import "time"

// Observer receives manager activity, typically to feed metrics.
type Observer interface {
	FileSystemOpened(scheme string)
	FileSystemClosed(scheme string)
	BackendOp(scheme, op string, d time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) FileSystemOpened(string)                        {}
func (nopObserver) FileSystemClosed(string)                        {}
func (nopObserver) BackendOp(string, string, time.Duration, error) {}

// EventType names a file system event.
type EventType string

const (
	EventFileSystemOpen  EventType = "fs-open"
	EventFileSystemClose EventType = "fs-close"
	EventEvict           EventType = "evict"
	EventReclaim         EventType = "reclaim"
	EventJunctionAdd     EventType = "junction-add"
	EventJunctionRemove  EventType = "junction-remove"

	// published by a Monitor
	EventFileCreate EventType = "file-create"
	EventFileDelete EventType = "file-delete"
	EventFileChange EventType = "file-change"
)

// Event is published to listeners as file systems come and go.
type Event struct {
	Type EventType `json:"type"`
	URI  string    `json:"uri,omitempty"`
	// Target is the junction target for junction events.
	Target string    `json:"target,omitempty"`
	Time   time.Time `json:"time"`
}

// Listener receives events. It is called synchronously and must not block.
type Listener func(Event)

func newEvent(t EventType, uri string) Event {
	return Event{Type: t, URI: uri, Time: time.Now()}
}
