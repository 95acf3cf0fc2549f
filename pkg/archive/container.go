package archive

import (
	"context"
	"errors"
	"io"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// Container is an indexed container. The index is built once by Open; entry
// content is read by re-opening the source and skipping forward to the entry.
type Container struct {
	format Format
	src    Source
	index  *Index
}

// Open indexes the container read from src with format f. root is the root
// name of the layered file system the entries are placed under.
func Open(ctx context.Context, root *name.Name, f Format, src Source) (*Container, error) {
	en, err := f.Open(ctx, src)
	if err != nil {
		return nil, vfserr.Wrap(vfserr.CodeOpenContainer, root.FriendlyURI(), err)
	}
	idx, err := Build(root, en)
	if err != nil {
		return nil, err
	}
	return &Container{format: f, src: src, index: idx}, nil
}

func (c *Container) Format() Format { return c.format }
func (c *Container) Index() *Index  { return c.index }

// Content streams the content of the entry at n. Names without a node fail
// with read-not-file; folders and synthesized nodes with no-content. The
// caller closes the returned reader.
func (c *Container) Content(ctx context.Context, n *name.Name) (io.ReadCloser, error) {
	node, ok := c.index.Lookup(n)
	if !ok {
		return nil, vfserr.New(vfserr.CodeReadNotFile, n.FriendlyURI())
	}
	if node.fileType != name.File || node.entry == nil {
		return nil, vfserr.New(vfserr.CodeNoContent, n.FriendlyURI())
	}

	en, err := c.format.Open(ctx, c.src)
	if err != nil {
		return nil, vfserr.Wrap(vfserr.CodeOpenContainer, n.FriendlyURI(), err)
	}
	for i := 0; i <= node.ordinal; i++ {
		if _, err := en.Next(); err != nil {
			en.Close()
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, vfserr.Wrap(vfserr.CodeOpenContainer, n.FriendlyURI(), err)
		}
	}
	return &entryReader{en: en}, nil
}
