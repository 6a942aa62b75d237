package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

type fileData map[string]map[string]map[string]json.RawMessage

// File keeps everything in one JSON document rewritten on each change.
// Meant for single-process deployments without Redis.
type File struct {
	mu   sync.Mutex
	path string
	data fileData
}

// OpenFile loads path, starting empty when it does not exist yet.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, data: fileData{}}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &f.data); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// save writes via a temp file so a crash never leaves a torn document.
func (f *File) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *File) Get(_ context.Context, k Key, dst any) error {
	if err := k.validate(); err != nil {
		return err
	}
	f.mu.Lock()
	raw, ok := f.data[k.Namespace][k.Scope][k.ID]
	f.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, dst)
}

func (f *File) Set(_ context.Context, k Key, v any) error {
	if err := k.validate(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ns := f.data[k.Namespace]
	if ns == nil {
		ns = map[string]map[string]json.RawMessage{}
		f.data[k.Namespace] = ns
	}
	if ns[k.Scope] == nil {
		ns[k.Scope] = map[string]json.RawMessage{}
	}
	ns[k.Scope][k.ID] = b
	return f.save()
}

func (f *File) Delete(_ context.Context, k Key) (bool, error) {
	if err := k.validate(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	scope := f.data[k.Namespace][k.Scope]
	if _, ok := scope[k.ID]; !ok {
		return false, nil
	}
	delete(scope, k.ID)
	if len(scope) == 0 {
		delete(f.data[k.Namespace], k.Scope)
	}
	return true, f.save()
}

func (f *File) List(_ context.Context, ns, scope string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.data[ns][scope]))
	for id, raw := range f.data[ns][scope] {
		out[id] = append([]byte(nil), raw...)
	}
	return out, nil
}

func (f *File) Scopes(_ context.Context, ns string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for scope, recs := range f.data[ns] {
		if len(recs) > 0 {
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *File) Close() error { return nil }
