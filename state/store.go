// Package state implements the controller's persistent, hierarchical
// configuration document. Values are addressed by slash-separated paths
// ("a/b/c"); intermediate nodes are objects. Every mutation passes
// through an atomic commit to <storage>/active, and named snapshots of
// the whole tree can be saved and loaded. Paths listed in
// exclude_from_reset survive both reset and snapshot loads.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/coco/apierror"
)

// ActiveName is the reserved name of the live state file.
const ActiveName = "active"

// Store is the state tree with persistence and snapshot management.
// It is safe for concurrent use; mutation is serialised internally.
type Store struct {
	mu sync.RWMutex

	doc              *Document
	storagePath      string
	defaultFiles     map[string]string
	excludeFromReset []string
	saved            []string
	logger           *zap.Logger
}

// New opens (or creates) the store at storagePath. If no active state
// survives on disk, the default state files are loaded: a map of state
// path to YAML file.
func New(storagePath string, defaultFiles map[string]string, excludeFromReset []string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &Store{
		storagePath:      storagePath,
		defaultFiles:     defaultFiles,
		excludeFromReset: excludeFromReset,
		logger:           logger,
	}

	// Index previously saved states on disk.
	entries, err := os.ReadDir(storagePath)
	if err != nil {
		return nil, fmt.Errorf("scan storage path: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			s.saved = append(s.saved, e.Name())
		}
	}
	sort.Strings(s.saved)
	if len(s.saved) > 0 {
		logger.Info("found previously saved states on disk", zap.Strings("states", s.saved))
	}

	s.doc, err = OpenDocument(filepath.Join(storagePath, ActiveName))
	if err != nil {
		return nil, err
	}

	if s.isEmpty() {
		logger.Info("internal state empty, loading state from file")
		if err := s.loadDefaultState(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// splitPath parses a slash-separated path, dropping empty segments.
func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// find walks the committed tree to a path. The result is not copied.
func (s *Store) find(path string) (any, error) {
	var element any = s.doc.peek()
	for _, p := range splitPath(path) {
		m, ok := element.(map[string]any)
		if !ok {
			return nil, apierror.Internalf("Path not found in state: %s", path)
		}
		element, ok = m[p]
		if !ok {
			return nil, apierror.Internalf("Path not found in state: %s", path)
		}
	}
	return element, nil
}

// Read returns a deep copy of the value at path. A missing path is an
// internal error (surfaced as HTTP 500).
func (s *Store) Read(path string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.find(path)
	if err != nil {
		return nil, err
	}
	return deepCopy(v), nil
}

// Exists reports whether path resolves in the state.
func (s *Store) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.find(path)
	return err == nil
}

// Extract returns a nested object containing the full path spine and
// only the value at its bottom.
func (s *Store) Extract(path string) (map[string]any, error) {
	value, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	parts := splitPath(path)
	if len(parts) == 0 {
		m, _ := value.(map[string]any)
		return m, nil
	}
	out := value
	for i := len(parts) - 1; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out.(map[string]any), nil
}

// Write sets a value in the state. If name is empty the last path
// segment names the entry; otherwise the whole path addresses the
// parent object and name the entry. Missing intermediate objects are
// created; writing through a scalar is a misuse error.
func (s *Store) Write(path string, value any, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Update(func(draft map[string]any) (map[string]any, error) {
		parent, entry, err := findParent(draft, path, name)
		if err != nil {
			return nil, err
		}
		parent[entry] = Normalize(value)
		return draft, nil
	})
}

// findParent resolves the parent object and entry name for a write,
// creating missing intermediate objects.
func findParent(draft map[string]any, path, name string) (map[string]any, string, error) {
	parts := splitPath(path)
	if name == "" {
		if len(parts) == 0 {
			return nil, "", apierror.InvalidUsage("Can't create new state entry at root level.")
		}
		name = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	element := draft
	for i, p := range parts {
		child, ok := element[p]
		if !ok {
			next := map[string]any{}
			element[p] = next
			element = next
			continue
		}
		m, ok := child.(map[string]any)
		if !ok {
			return nil, "", apierror.InvalidUsage(fmt.Sprintf(
				"Part %d of path %s is of type %s. Can't overwrite it with a sub-state block.",
				i, path, typeName(child)))
		}
		element = m
	}
	return element, name, nil
}

func typeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "dict"
	case []any:
		return "list"
	case string:
		return "str"
	case bool:
		return "bool"
	case int64, int:
		return "int"
	case float64:
		return "float"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// FindOrCreate makes sure path exists as an object spine and returns a
// copy of the value there.
func (s *Store) FindOrCreate(path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(splitPath(path)) == 0 {
		return s.doc.Snapshot(), nil
	}
	err := s.doc.Update(func(draft map[string]any) (map[string]any, error) {
		element := draft
		for i, p := range splitPath(path) {
			child, ok := element[p]
			if !ok {
				next := map[string]any{}
				element[p] = next
				element = next
				continue
			}
			m, ok := child.(map[string]any)
			if !ok {
				return nil, apierror.InvalidUsage(fmt.Sprintf(
					"Part %d of path %s is of type %s. Can't overwrite it with a sub-state block.",
					i, path, typeName(child)))
			}
			element = m
		}
		return draft, nil
	})
	if err != nil {
		return nil, err
	}
	v, err := s.find(path)
	if err != nil {
		return nil, err
	}
	return deepCopy(v), nil
}

// Hash returns the canonical hash of the subtree at path ("" hashes the
// whole state).
func (s *Store) Hash(path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.find(path)
	if err != nil {
		return "", err
	}
	return HashTree(v)
}

func (s *Store) isEmpty() bool { return len(s.doc.peek()) == 0 }

// ReadFromFile loads a YAML file into the state at path ("" replaces
// the whole tree). Subtrees listed in exclude_from_reset are not
// overwritten by the file content.
func (s *Store) ReadFromFile(path, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readFromFileLocked(path, file)
}

func (s *Store) readFromFileLocked(path, file string) error {
	s.logger.Debug("loading file into state", zap.String("file", file), zap.String("path", path))
	data, err := os.ReadFile(file)
	if err != nil {
		return apierror.Internalf("could not read state file %s: %v", file, err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return apierror.Internalf("could not parse state file %s: %v", file, err)
	}
	tree := Normalize(raw).(map[string]any)
	s.excludePaths(path, tree)

	return s.doc.Update(func(draft map[string]any) (map[string]any, error) {
		if len(splitPath(path)) == 0 {
			return tree, nil
		}
		parent, entry, err := findParent(draft, path, "")
		if err != nil {
			return nil, err
		}
		parent[entry] = tree
		return draft, nil
	})
}

// excludePaths removes excluded subtrees from a tree about to be
// installed under prefix, so the live values survive.
func (s *Store) excludePaths(prefix string, tree map[string]any) {
	for _, excluded := range s.excludeFromReset {
		if prefix != "" {
			if !strings.HasPrefix(excluded, prefix+"/") && excluded != prefix {
				continue
			}
			excluded = strings.TrimPrefix(strings.TrimPrefix(excluded, prefix), "/")
		}
		removePath(tree, splitPath(excluded))
	}
}

func removePath(tree map[string]any, parts []string) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		delete(tree, parts[0])
		return
	}
	child, ok := tree[parts[0]].(map[string]any)
	if !ok {
		return
	}
	removePath(child, parts[1:])
}

func (s *Store) loadDefaultState() error {
	paths := make([]string, 0, len(s.defaultFiles))
	for p := range s.defaultFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := s.readFromFileLocked(p, s.defaultFiles[p]); err != nil {
			return err
		}
	}
	return nil
}

// backupExcluded captures the current values of all excluded paths that
// exist, keyed by path.
func (s *Store) backupExcluded() map[string]any {
	excluded := map[string]any{}
	for _, path := range s.excludeFromReset {
		v, err := s.find(path)
		if err != nil {
			s.logger.Debug("excluded path not found in state", zap.String("path", path))
			continue
		}
		excluded[path] = deepCopy(v)
	}
	return excluded
}

// recoverExcluded writes backed-up excluded values over the new tree.
func (s *Store) recoverExcluded(excluded map[string]any) error {
	for path, content := range excluded {
		err := s.doc.Update(func(draft map[string]any) (map[string]any, error) {
			parent, entry, err := findParent(draft, path, "")
			if err != nil {
				return nil, err
			}
			parent[entry] = content
			return draft, nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Reset clears the state and re-loads the default state files,
// preserving excluded subtrees.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := s.backupExcluded()
	if err := s.doc.Update(func(map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	}); err != nil {
		return err
	}
	if err := s.loadDefaultState(); err != nil {
		return err
	}
	return s.recoverExcluded(excluded)
}

// SavedStateExists reports whether a snapshot with this name is known.
func (s *Store) SavedStateExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.savedStateExists(name)
}

func (s *Store) savedStateExists(name string) bool {
	for _, n := range s.saved {
		if n == name {
			return true
		}
	}
	return false
}

// SavedStates lists all snapshots on disk.
func (s *Store) SavedStates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.saved))
	copy(out, s.saved)
	return out
}

// Save copies the active tree to <storage>/<name>. The reserved name
// "active" is rejected, as is overwriting an existing snapshot unless
// explicitly requested.
func (s *Store) Save(name string, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == ActiveName {
		return apierror.InvalidUsage(fmt.Sprintf(
			"Can't use %s for saved state. This name is reserved. Choose something else.", ActiveName))
	}
	if s.savedStateExists(name) && !overwrite {
		return apierror.InvalidUsage(fmt.Sprintf(
			"Saved state '%s' already exists. Choose something else or try again with 'overwrite=True'.", name))
	}

	target := filepath.Join(s.storagePath, name)
	if err := writeAtomic(target, s.doc.peek()); err != nil {
		return apierror.Internalf("could not save state to %s: %v", target, err)
	}
	s.logger.Debug("saved state", zap.String("path", target))
	if !s.savedStateExists(name) {
		s.saved = append(s.saved, name)
		sort.Strings(s.saved)
	}
	return nil
}

// Load replaces the active state with the named snapshot, preserving
// excluded subtrees.
func (s *Store) Load(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == ActiveName {
		return apierror.InvalidUsage(fmt.Sprintf(
			"Can't load state %s. This name is reserved (it's the one that is active now). "+
				"Choose any other from %v.", name, s.saved))
	}
	if !s.savedStateExists(name) {
		return apierror.InvalidUsage(fmt.Sprintf(
			"No saved state with name '%s' exists. Choose one of %v.", name, s.saved))
	}

	data, err := os.ReadFile(filepath.Join(s.storagePath, name))
	if err != nil {
		return apierror.Internalf("could not read saved state %s: %v", name, err)
	}
	tree, err := decodeTree(data)
	if err != nil {
		return apierror.Internalf("could not parse saved state %s: %v", name, err)
	}
	s.excludePaths("", tree)

	excluded := s.backupExcluded()
	if err := s.doc.Update(func(map[string]any) (map[string]any, error) {
		return tree, nil
	}); err != nil {
		return err
	}
	return s.recoverExcluded(excluded)
}
