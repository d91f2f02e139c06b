// Package fb turns a buffer into a framebuffer handle the display
// controller can scan out, and caches the result keyed by buffer identity.
package fb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kestrelwm/scanoutd/pkg/kms"
)

// BufferID identifies a buffer for caching purposes, not its contents.
type BufferID uint64

// Buffer is the minimal surface this package needs from a client-shared or
// allocator-owned buffer: enough to identify it and describe its format.
type Buffer interface {
	ID() BufferID
	Format() kms.Format
	Modifier() kms.Modifier
}

// ErrNotSupported means the exporter does not recognise this kind of
// buffer at all.
var ErrNotSupported = errors.New("framebuffer export: buffer kind not supported")

// ExportError is returned when the exporter recognised the buffer but the
// controller refused to create a framebuffer from it. Retryable is true
// when the client might succeed by re-allocating a scan-out-compatible
// buffer on a future commit.
type ExportError struct {
	Retryable bool
	Err       error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("framebuffer export failed (retryable=%v): %v", e.Retryable, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Exporter turns a buffer into a controller-side framebuffer handle.
type Exporter interface {
	// Export produces a framebuffer handle for buf. useOpaque asks the
	// exporter to, where possible, emit a handle using the opaque
	// equivalent of the buffer's format.
	Export(dev kms.DeviceFD, buf Buffer, useOpaque bool) (kms.FramebufferHandle, error)
}

// CacheKey is (buffer identity, use-opaque).
type CacheKey struct {
	Buffer    BufferID
	UseOpaque bool
}

// entry is either a live handle or a cached failure.
type entry struct {
	handle kms.FramebufferHandle
	err    error
}

// Cache wraps an Exporter, memoising both successes and failures so retries
// within a frame (or across frames, until the buffer is destroyed) are
// cheap. Not safe for concurrent use; the Element State Cache that embeds
// it is itself core-thread-only.
type Cache struct {
	exporter Exporter
	entries  map[CacheKey]entry
	alive    map[BufferID]bool
}

// NewCache wraps exporter with a memoising cache.
func NewCache(exporter Exporter) *Cache {
	return &Cache{
		exporter: exporter,
		entries:  make(map[CacheKey]entry),
		alive:    make(map[BufferID]bool),
	}
}

// Export returns a cached result for (buf.ID(), useOpaque) if present,
// otherwise calls through to the exporter and caches whatever it returns,
// success or failure.
func (c *Cache) Export(dev kms.DeviceFD, buf Buffer, useOpaque bool) (kms.FramebufferHandle, error) {
	key := CacheKey{Buffer: buf.ID(), UseOpaque: useOpaque}
	c.alive[buf.ID()] = true
	if e, ok := c.entries[key]; ok {
		return e.handle, e.err
	}
	handle, err := c.exporter.Export(dev, buf, useOpaque)
	c.entries[key] = entry{handle: handle, err: err}
	return handle, err
}

// Discard drops every cache entry for id, closing any live handle. Called
// on buffer destruction.
func (c *Cache) Discard(id BufferID) {
	delete(c.alive, id)
	for key, e := range c.entries {
		if key.Buffer != id {
			continue
		}
		if e.handle != nil {
			e.handle.Close()
		}
		delete(c.entries, key)
	}
}

// Prune discards every entry whose buffer no longer exists according to
// alive.
func (c *Cache) Prune(alive func(BufferID) bool) {
	for id := range c.alive {
		if !alive(id) {
			c.Discard(id)
		}
	}
}

// LockedExporter serialises access to an Exporter with a single mutex so it
// can be shared across multiple compositor-core instances.
type LockedExporter struct {
	mu       sync.Mutex
	exporter Exporter
}

// NewLockedExporter wraps exporter for cross-core sharing.
func NewLockedExporter(exporter Exporter) *LockedExporter {
	return &LockedExporter{exporter: exporter}
}

func (l *LockedExporter) Export(dev kms.DeviceFD, buf Buffer, useOpaque bool) (kms.FramebufferHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exporter.Export(dev, buf, useOpaque)
}
