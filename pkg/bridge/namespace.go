package bridge

import (
	"fmt"
	"net/url"
	"strings"
)

// NamespaceStrategy produces the merged-catalog identifiers for
// backend capabilities. Implementations must be deterministic and
// collision-free for a given server/name pair.
type NamespaceStrategy interface {
	ToolName(server, toolName string) string
	PromptName(server, promptName string) string
	ResourceURI(server, resourceURI string) string
}

// ServerPrefixNamespace prefixes every identifier with the owning
// backend's name, joined by a configurable separator. The default
// separator "__" keeps qualified names within the MCP spec's
// character guidance; backend names may not contain the separator,
// which the configuration loader enforces.
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return DefaultSeparator
	}
	return s.Separator
}

// DefaultSeparator joins backend name and local name in qualified
// identifiers.
const DefaultSeparator = "__"

func (s ServerPrefixNamespace) ToolName(server, toolName string) string {
	return s.decorate(server, toolName)
}

func (s ServerPrefixNamespace) PromptName(server, promptName string) string {
	return s.decorate(server, promptName)
}

// ResourceURI wraps the native URI in a bridge-owned scheme so the
// qualified form is still a valid URI regardless of what the backend
// used.
func (s ServerPrefixNamespace) ResourceURI(server, resourceURI string) string {
	return fmt.Sprintf("mcpbridge+%s::%s", url.PathEscape(server), resourceURI)
}

func (s ServerPrefixNamespace) decorate(server, value string) string {
	return server + s.separator() + value
}

// SplitQualified undoes decorate for a known separator. It is the
// inverse only when the server name is separator-free.
func SplitQualified(qualified, separator string) (server, local string, ok bool) {
	return strings.Cut(qualified, separator)
}
