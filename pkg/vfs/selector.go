package vfs

import (
	"context"
	"io"
	"math"
	"strings"

	"github.com/fruitsalade/vfs/pkg/name"
	"github.com/fruitsalade/vfs/pkg/vfserr"
)

// SelectInfo describes a file visited by a traversal.
type SelectInfo struct {
	// Base is the file the traversal started from.
	Base *File
	File *File
	// Depth of File below Base; Base itself is at 0.
	Depth int
}

// Selector decides which files a traversal returns and which folders it
// descends into.
type Selector interface {
	Include(ctx context.Context, info SelectInfo) (bool, error)
	Traverse(ctx context.Context, info SelectInfo) (bool, error)
}

// DepthSelector selects the files between Min and Max levels below the base
// file, inclusive.
type DepthSelector struct {
	Min, Max int
}

func (s DepthSelector) Include(_ context.Context, info SelectInfo) (bool, error) {
	return info.Depth >= s.Min && info.Depth <= s.Max, nil
}

func (s DepthSelector) Traverse(_ context.Context, info SelectInfo) (bool, error) {
	return info.Depth < s.Max, nil
}

var (
	SelectSelf            Selector = DepthSelector{0, 0}
	SelectSelfAndChildren Selector = DepthSelector{0, 1}
	SelectChildren        Selector = DepthSelector{1, 1}
	SelectDescendents     Selector = DepthSelector{1, math.MaxInt}
	SelectAll             Selector = DepthSelector{0, math.MaxInt}
	SelectFiles           Selector = TypeSelector(name.File)
	SelectFolders         Selector = TypeSelector(name.Folder)
)

// TypeSelector selects every file of one type, at any depth.
type TypeSelector name.FileType

func (s TypeSelector) Include(ctx context.Context, info SelectInfo) (bool, error) {
	t, err := info.File.Type(ctx)
	return t == name.FileType(s), err
}

func (TypeSelector) Traverse(context.Context, SelectInfo) (bool, error) { return true, nil }

// ExtensionSelector selects files whose extension is one of the given ones,
// compared case-insensitively, at any depth.
type ExtensionSelector []string

func (s ExtensionSelector) Include(ctx context.Context, info SelectInfo) (bool, error) {
	ext := info.File.Name().Extension()
	if ext == "" {
		return false, nil
	}
	for _, e := range s {
		if strings.EqualFold(strings.TrimPrefix(e, "."), ext) {
			t, err := info.File.Type(ctx)
			return t == name.File, err
		}
	}
	return false, nil
}

func (ExtensionSelector) Traverse(context.Context, SelectInfo) (bool, error) { return true, nil }

// Find returns the files selected by sel, starting with f. Descendents come
// before their folder, so the result can be deleted in order. A missing f
// selects nothing.
func (f *File) Find(ctx context.Context, sel Selector) ([]*File, error) {
	return f.find(ctx, sel, true)
}

func (f *File) find(ctx context.Context, sel Selector, depthFirst bool) ([]*File, error) {
	exists, err := f.Exists(ctx)
	if err != nil || !exists {
		return nil, err
	}
	var selected []*File
	if err := f.traverse(ctx, sel, SelectInfo{Base: f, File: f}, depthFirst, &selected); err != nil {
		return nil, err
	}
	return selected, nil
}

func (f *File) traverse(ctx context.Context, sel Selector, info SelectInfo, depthFirst bool, selected *[]*File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	index := len(*selected)

	t, err := info.File.Type(ctx)
	if err != nil {
		return err
	}
	if t == name.Folder && info.File.Capabilities().Has(CapListChildren) {
		descend, err := sel.Traverse(ctx, info)
		if err != nil {
			return err
		}
		if descend {
			children, err := info.File.Children(ctx)
			if err != nil {
				return err
			}
			for _, child := range children {
				next := SelectInfo{Base: info.Base, File: child, Depth: info.Depth + 1}
				if err := f.traverse(ctx, sel, next, depthFirst, selected); err != nil {
					return err
				}
			}
		}
	}

	include, err := sel.Include(ctx, info)
	if err != nil || !include {
		return err
	}
	if depthFirst {
		*selected = append(*selected, info.File)
	} else {
		*selected = append((*selected)[:index], append([]*File{info.File}, (*selected)[index:]...)...)
	}
	return nil
}

// DeleteSelected deletes the files selected by sel, descendents first, and
// returns how many were deleted.
func (f *File) DeleteSelected(ctx context.Context, sel Selector) (int, error) {
	files, err := f.Find(ctx, sel)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, file := range files {
		if err := file.Delete(ctx); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// DeleteAll deletes f and everything below it.
func (f *File) DeleteAll(ctx context.Context) (int, error) {
	return f.DeleteSelected(ctx, SelectAll)
}

// CopyFrom copies the files of src selected by sel below f, keeping their
// paths relative to src. A destination of the wrong type is deleted first.
// The modification time is kept when both sides support it.
func (f *File) CopyFrom(ctx context.Context, src *File, sel Selector) error {
	exists, err := src.Exists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return vfserr.New(vfserr.CodeNotFound, src.name.FriendlyURI())
	}

	files, err := src.find(ctx, sel, false)
	if err != nil {
		return err
	}
	for _, s := range files {
		dest, err := f.relative(ctx, src.name.RelativeName(s.name))
		if err != nil {
			return err
		}
		st, err := s.Stat(ctx)
		if err != nil {
			return err
		}
		dt, err := dest.Type(ctx)
		if err != nil {
			return err
		}
		if dt != name.Imaginary && dt != st.Type {
			if _, err := dest.DeleteAll(ctx); err != nil {
				return err
			}
		}

		switch st.Type {
		case name.File:
			if err := copyContent(ctx, s, dest); err != nil {
				return err
			}
			if s.Capabilities().Has(CapGetLastModified) && dest.Capabilities().Has(CapSetLastModifiedFile) {
				if err := dest.SetModTime(ctx, st.ModTime); err != nil {
					return err
				}
			}
		case name.Folder:
			if err := dest.MakeDir(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// relative resolves a path produced by RelativeName below f.
func (f *File) relative(ctx context.Context, rel string) (*File, error) {
	if rel == "." {
		return f, nil
	}
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = name.Encode(s)
	}
	n, err := f.name.Resolve(strings.Join(segs, "/"), name.ScopeDescendent)
	if err != nil {
		return nil, err
	}
	return f.fs.m.ResolveName(ctx, n)
}

func copyContent(ctx context.Context, src, dest *File) error {
	rc, err := src.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := dest.Create(ctx)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		return vfserr.Wrap(vfserr.CodeWriteFailed, dest.name.FriendlyURI(), err)
	}
	return w.Close()
}
