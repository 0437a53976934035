package bridge

import (
	"maps"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	metaKeyServer     = "mcpbridge.server"
	metaKeyNativeName = "mcpbridge.native_name"
	metaKeyNativeURI  = "mcpbridge.native_uri"
)

// Target locates the backend capability behind a qualified name.
type Target struct {
	Server string
	Native string
}

// ServerFeatures is one backend's contribution to the catalog.
type ServerFeatures struct {
	Tools     []*mcp.Tool
	Prompts   []*mcp.Prompt
	Resources []*mcp.Resource
}

// Removed lists the qualified identifiers dropped from the catalog by
// a register or unregister.
type Removed struct {
	Tools        []string
	Prompts      []string
	ResourceURIs []string
}

func (r Removed) empty() bool {
	return len(r.Tools) == 0 && len(r.Prompts) == 0 && len(r.ResourceURIs) == 0
}

// Registry is the merged capability catalog. At every moment its key
// set is exactly the union of the per-backend contributions; a
// replace is applied atomically under one lock and is never observable
// half-done. Listing order is deterministic: backends in registration
// order, capabilities in backend-reported order.
type Registry struct {
	ns NamespaceStrategy

	mu sync.RWMutex

	order []string

	tools           map[string]Target
	serverTools     map[string][]string
	prompts         map[string]Target
	serverPrompts   map[string][]string
	resources       map[string]Target
	serverResources map[string][]string

	toolDefs     map[string]*mcp.Tool
	promptDefs   map[string]*mcp.Prompt
	resourceDefs map[string]*mcp.Resource
}

// NewRegistry builds an empty catalog using the given naming strategy,
// defaulting to ServerPrefixNamespace.
func NewRegistry(ns NamespaceStrategy) *Registry {
	if ns == nil {
		ns = ServerPrefixNamespace{}
	}
	return &Registry{
		ns:              ns,
		tools:           make(map[string]Target),
		serverTools:     make(map[string][]string),
		prompts:         make(map[string]Target),
		serverPrompts:   make(map[string][]string),
		resources:       make(map[string]Target),
		serverResources: make(map[string][]string),
		toolDefs:        make(map[string]*mcp.Tool),
		promptDefs:      make(map[string]*mcp.Prompt),
		resourceDefs:    make(map[string]*mcp.Resource),
	}
}

// RegisterServer replaces a backend's entire contribution in one
// atomic step and returns the qualified definitions that entered the
// catalog plus the identifiers the replace displaced.
func (r *Registry) RegisterServer(server string, features ServerFeatures) (ServerFeatures, Removed) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.removeServerLocked(server)

	var added ServerFeatures
	toolNames := make([]string, 0, len(features.Tools))
	for _, tool := range features.Tools {
		if tool == nil {
			continue
		}
		qualified := r.ns.ToolName(server, tool.Name)
		r.tools[qualified] = Target{Server: server, Native: tool.Name}
		clone := cloneTool(tool, qualified, server)
		r.toolDefs[qualified] = clone
		added.Tools = append(added.Tools, clone)
		toolNames = append(toolNames, qualified)
	}
	promptNames := make([]string, 0, len(features.Prompts))
	for _, prompt := range features.Prompts {
		if prompt == nil {
			continue
		}
		qualified := r.ns.PromptName(server, prompt.Name)
		r.prompts[qualified] = Target{Server: server, Native: prompt.Name}
		clone := clonePrompt(prompt, qualified, server)
		r.promptDefs[qualified] = clone
		added.Prompts = append(added.Prompts, clone)
		promptNames = append(promptNames, qualified)
	}
	resourceURIs := make([]string, 0, len(features.Resources))
	for _, resource := range features.Resources {
		if resource == nil {
			continue
		}
		qualified := r.ns.ResourceURI(server, resource.URI)
		r.resources[qualified] = Target{Server: server, Native: resource.URI}
		clone := cloneResource(resource, qualified, server)
		r.resourceDefs[qualified] = clone
		added.Resources = append(added.Resources, clone)
		resourceURIs = append(resourceURIs, qualified)
	}

	r.serverTools[server] = toolNames
	r.serverPrompts[server] = promptNames
	r.serverResources[server] = resourceURIs
	r.appendOrderLocked(server)
	return added, removed
}

// UnregisterServer drops everything a backend contributed.
func (r *Registry) UnregisterServer(server string) Removed {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeServerLocked(server)
	r.dropOrderLocked(server)
	return removed
}

func (r *Registry) removeServerLocked(server string) Removed {
	var removed Removed
	for _, name := range r.serverTools[server] {
		delete(r.tools, name)
		delete(r.toolDefs, name)
		removed.Tools = append(removed.Tools, name)
	}
	delete(r.serverTools, server)
	for _, name := range r.serverPrompts[server] {
		delete(r.prompts, name)
		delete(r.promptDefs, name)
		removed.Prompts = append(removed.Prompts, name)
	}
	delete(r.serverPrompts, server)
	for _, uri := range r.serverResources[server] {
		delete(r.resources, uri)
		delete(r.resourceDefs, uri)
		removed.ResourceURIs = append(removed.ResourceURIs, uri)
	}
	delete(r.serverResources, server)
	return removed
}

func (r *Registry) appendOrderLocked(server string) {
	for _, existing := range r.order {
		if existing == server {
			return
		}
	}
	r.order = append(r.order, server)
}

func (r *Registry) dropOrderLocked(server string) {
	for i, existing := range r.order {
		if existing == server {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Servers returns the backends currently contributing to the catalog,
// in registration order.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Tools lists the merged tool catalog in deterministic order.
func (r *Registry) Tools() []*mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.Tool
	for _, server := range r.order {
		for _, name := range r.serverTools[server] {
			out = append(out, r.toolDefs[name])
		}
	}
	return out
}

// Prompts lists the merged prompt catalog in deterministic order.
func (r *Registry) Prompts() []*mcp.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.Prompt
	for _, server := range r.order {
		for _, name := range r.serverPrompts[server] {
			out = append(out, r.promptDefs[name])
		}
	}
	return out
}

// Resources lists the merged resource catalog in deterministic order.
func (r *Registry) Resources() []*mcp.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.Resource
	for _, server := range r.order {
		for _, uri := range r.serverResources[server] {
			out = append(out, r.resourceDefs[uri])
		}
	}
	return out
}

// ResolveTool maps a qualified tool name to its backend target.
func (r *Registry) ResolveTool(qualified string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[qualified]
	return t, ok
}

// ResolvePrompt maps a qualified prompt name to its backend target.
func (r *Registry) ResolvePrompt(qualified string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.prompts[qualified]
	return t, ok
}

// ResolveResource maps a qualified resource URI to its backend target.
func (r *Registry) ResolveResource(qualified string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.resources[qualified]
	return t, ok
}

func cloneTool(tool *mcp.Tool, qualified, server string) *mcp.Tool {
	clone := *tool
	clone.Name = qualified
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServer:     server,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

func clonePrompt(prompt *mcp.Prompt, qualified, server string) *mcp.Prompt {
	clone := *prompt
	clone.Name = qualified
	clone.Meta = withMeta(prompt.Meta, map[string]any{
		metaKeyServer:     server,
		metaKeyNativeName: prompt.Name,
	})
	return &clone
}

func cloneResource(resource *mcp.Resource, qualified, server string) *mcp.Resource {
	clone := *resource
	clone.URI = qualified
	clone.Name = resource.Name
	clone.Meta = withMeta(resource.Meta, map[string]any{
		metaKeyServer:    server,
		metaKeyNativeURI: resource.URI,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(extras))
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
