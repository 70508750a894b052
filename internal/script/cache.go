// Package script compiles Lua request scripts and caches the compiled
// prototypes, optionally invalidating them when files change on disk.
package script

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/zot/lua-embed/internal/config"
)

// Cache holds compiled prototypes. A prototype is immutable once
// compiled, so one entry may be shared by many Lua states.
type Cache struct {
	config *config.Config
	dir    string

	mu      sync.Mutex
	entries map[string]*entry
	hits    int
	misses  int
	watched bool
}

type entry struct {
	sum   [sha256.Size]byte
	proto *lua.FunctionProto
}

// NewCache creates a cache for scripts under dir.
func NewCache(cfg *config.Config, dir string) *Cache {
	return &Cache{
		config:  cfg,
		dir:     dir,
		entries: make(map[string]*entry),
	}
}

// Dir returns the script directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Compile returns the prototype for source, compiling it unless the
// cached entry for name was built from the same source.
func (c *Cache) Compile(name, source string) (*lua.FunctionProto, error) {
	sum := sha256.Sum256([]byte(source))

	c.mu.Lock()
	if e, ok := c.entries[name]; ok && e.sum == sum {
		c.hits++
		c.mu.Unlock()
		return e.proto, nil
	}
	c.misses++
	c.mu.Unlock()

	proto, err := compile(name, source)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[name] = &entry{sum: sum, proto: proto}
	c.mu.Unlock()
	c.config.Log(2, "script: compiled %s", name)
	return proto, nil
}

func compile(name, source string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", name, err)
	}
	return proto, nil
}

// Resolve maps a request path to a script file inside the script
// directory, refusing paths that escape it.
func (c *Cache) Resolve(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if !strings.HasSuffix(clean, ".lua") {
		return "", fmt.Errorf("%s: not a lua script", name)
	}
	return filepath.Join(c.dir, filepath.FromSlash(clean[1:])), nil
}

// Load compiles the script at path. While a Watcher is attached, a cached
// prototype is trusted until the watcher invalidates it; otherwise the
// file is re-read and only recompiled when its contents changed.
func (c *Cache) Load(path string) (*lua.FunctionProto, error) {
	c.mu.Lock()
	if e, ok := c.entries[path]; ok && c.watched {
		c.hits++
		c.mu.Unlock()
		return e.proto, nil
	}
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.Compile(path, string(data))
}

// Invalidate drops the entry for name.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		delete(c.entries, name)
		c.config.Log(1, "script: invalidated %s", name)
	}
}

// Stats returns cache hits and misses.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of cached prototypes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
