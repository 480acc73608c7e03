package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pithecene-io/coco/apierror"
)

// Document is a JSON tree persisted to a single file. Every mutation
// happens inside Update: the callback receives a deep copy of the
// committed tree, and on success the result is deep-copied again,
// written to disk atomically (write-to-temp-and-rename), and installed
// as the new committed tree. If serialisation fails the committed tree
// is left untouched and the error propagates, so readers never observe
// a half-applied state.
type Document struct {
	path string
	tree map[string]any
}

// OpenDocument loads the document at path, or returns an empty-tree
// document if the file does not exist yet.
func OpenDocument(path string) (*Document, error) {
	d := &Document{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	tree, err := decodeTree(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	d.tree = tree
	return d, nil
}

// Loaded reports whether the document existed on disk when opened.
func (d *Document) Loaded() bool { return d.tree != nil }

// Snapshot returns a deep copy of the committed tree (nil if the
// document was never committed or loaded).
func (d *Document) Snapshot() map[string]any {
	if d.tree == nil {
		return nil
	}
	return deepCopy(d.tree).(map[string]any)
}

// peek returns the committed tree without copying. Callers must not
// mutate the result.
func (d *Document) peek() map[string]any { return d.tree }

// Update runs fn on a draft copy of the tree and commits the returned
// tree. fn may mutate the draft in place and return it, or return a
// replacement tree.
func (d *Document) Update(fn func(draft map[string]any) (map[string]any, error)) error {
	draft := d.Snapshot()
	if draft == nil {
		draft = map[string]any{}
	}
	next, err := fn(draft)
	if err != nil {
		return err
	}
	committed := deepCopy(next).(map[string]any)
	if err := writeAtomic(d.path, committed); err != nil {
		return apierror.Internalf("could not commit state: %v", err)
	}
	d.tree = committed
	return nil
}

// decodeTree parses JSON bytes into a normalized tree. Numbers are
// decoded through json.Number so that integers stay integral.
func decodeTree(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return Normalize(raw).(map[string]any), nil
}

// writeAtomic serialises the tree to a temp file in the target
// directory and renames it into place.
func writeAtomic(path string, tree map[string]any) error {
	data, err := json.MarshalIndent(tree, "", "    ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
