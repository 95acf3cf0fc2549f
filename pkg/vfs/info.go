package vfs

import (
	"context"
	"time"

	"github.com/fruitsalade/vfs/pkg/name"
)

// Info is the JSON model of a file.
type Info struct {
	URI          string       `json:"uri"`
	Name         string       `json:"name"`
	Path         string       `json:"path"`
	Scheme       string       `json:"scheme"`
	Type         string       `json:"type"`
	Size         *int64       `json:"size,omitempty"`
	ModTime      *time.Time   `json:"mod_time,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Info describes the file. Size is set for files and ModTime where the file
// system reports it.
func (f *File) Info(ctx context.Context) (Info, error) {
	st, err := f.Stat(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		URI:          f.name.FriendlyURI(),
		Name:         f.name.BaseName(),
		Path:         f.name.Path(),
		Scheme:       f.name.Scheme(),
		Type:         st.Type.String(),
		Capabilities: f.fs.caps,
	}
	if st.Type == name.File {
		size := st.Size
		info.Size = &size
	}
	if st.Type != name.Imaginary && f.fs.caps.Has(CapGetLastModified) && !st.ModTime.IsZero() {
		mt := st.ModTime
		info.ModTime = &mt
	}
	return info, nil
}
