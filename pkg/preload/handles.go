package preload

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// HandlePrefix marks locally resolvable audio handles.
const HandlePrefix = "blob:safeaudio/"

// Handles is a registry of in-memory payloads addressed by opaque blob: handles.
// A handle stays resolvable until it is revoked.
type Handles struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewHandles creates an empty registry.
func NewHandles() *Handles {
	return &Handles{blobs: make(map[string][]byte)}
}

// Register stores data and returns a fresh handle for it.
func (h *Handles) Register(data []byte) string {
	handle := HandlePrefix + uuid.NewString()

	h.mu.Lock()
	h.blobs[handle] = data
	h.mu.Unlock()
	return handle
}

// Resolve returns the payload behind handle.
func (h *Handles) Resolve(handle string) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	data, ok := h.blobs[handle]
	return data, ok
}

// Revoke releases a handle. Revoking an unknown handle is a no-op.
func (h *Handles) Revoke(handle string) {
	h.mu.Lock()
	delete(h.blobs, handle)
	h.mu.Unlock()
}

// Len returns the number of live handles.
func (h *Handles) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.blobs)
}

// IsHandle reports whether src is a local handle rather than a remote URL.
func IsHandle(src string) bool {
	return strings.HasPrefix(src, HandlePrefix)
}
