package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/zot/lua-embed/internal/config"
)

const (
	statusURI = "lua-embed://status"
	schemaURI = "lua-embed://config-schema"
)

// engineStatus is the content of the status resource.
type engineStatus struct {
	Active        int    `json:"active"`
	ScriptDir     string `json:"scriptDir"`
	CachedScripts int    `json:"cachedScripts"`
	CacheHits     int    `json:"cacheHits"`
	CacheMisses   int    `json:"cacheMisses"`
}

func (s *Server) registerResources() {
	s.mcp.AddResource(
		mcp.NewResource(statusURI, "Engine Status",
			mcp.WithResourceDescription("Running requests and script cache statistics"),
			mcp.WithMIMEType("application/json"),
		),
		s.readStatus,
	)
	s.mcp.AddResource(
		mcp.NewResource(schemaURI, "Configuration Schema",
			mcp.WithResourceDescription("JSON Schema of the configuration file"),
			mcp.WithMIMEType("application/schema+json"),
		),
		s.readSchema,
	)
}

func (s *Server) status() engineStatus {
	cache := s.engine.Cache()
	hits, misses := cache.Stats()
	return engineStatus{
		Active:        s.engine.Active(),
		ScriptDir:     cache.Dir(),
		CachedScripts: cache.Len(),
		CacheHits:     hits,
		CacheMisses:   misses,
	}
}

func (s *Server) readStatus(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.Marshal(s.status())
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: statusURI, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) readSchema(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := config.Schema()
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: schemaURI, MIMEType: "application/schema+json", Text: string(data)},
	}, nil
}
