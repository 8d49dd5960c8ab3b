package session

import "sync"

// ImageCache stores chart bytes by file name in insertion order. Re-putting
// an existing name replaces its bytes without changing its position.
type ImageCache struct {
	mu    sync.RWMutex
	data  map[string][]byte
	order []string
}

// NewImageCache creates an empty cache.
func NewImageCache() *ImageCache {
	return &ImageCache{data: make(map[string][]byte)}
}

// Put stores a copy of data under name.
func (c *ImageCache) Put(name string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[name]; !ok {
		c.order = append(c.order, name)
	}
	c.data[name] = buf
}

// Get returns the bytes stored under name.
func (c *ImageCache) Get(name string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.data[name]
	return b, ok
}

// Names returns cached names, oldest first.
func (c *ImageCache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}
