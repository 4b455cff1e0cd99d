package consumer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/caffeineduck/pyrun/broker"
)

var ErrNoFile = errors.New("no such file")

// Studio is a multi-file workspace sharing one console. Each file runs on
// its own; files do not import each other.
type Studio struct {
	*Console

	mu    sync.RWMutex
	files map[string]string
}

// NewStudio creates an empty studio on the shared loader.
func NewStudio(l broker.Loader, opts ...broker.Option) *Studio {
	return &Studio{
		Console: NewConsole(l, opts...),
		files:   make(map[string]string),
	}
}

// Write creates or replaces a file.
func (s *Studio) Write(name, content string) {
	s.mu.Lock()
	s.files[name] = content
	s.mu.Unlock()
}

// Read returns a file's content.
func (s *Studio) Read(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.files[name]
	return content, ok
}

// Remove deletes a file.
func (s *Studio) Remove(name string) {
	s.mu.Lock()
	delete(s.files, name)
	s.mu.Unlock()
}

// Files returns the file names in sorted order.
func (s *Studio) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.files))
}

// RunFile executes one file, echoing the command line first.
func (s *Studio) RunFile(ctx context.Context, name string) (broker.Route, error) {
	content, ok := s.Read(name)
	if !ok {
		return broker.RouteSkipped, fmt.Errorf("%w: %s", ErrNoFile, name)
	}
	if !s.Ready() {
		return broker.RouteSkipped, ErrNotReady
	}
	s.Echo(fmt.Sprintf("$ python %s\n", name))
	return s.Console.Run(ctx, content)
}
