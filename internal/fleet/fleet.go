// Package fleet defines the identity types shared across fleetd: tenants,
// hierarchical paths, and the owner keys that bind an agent to exactly one
// (tenant, path) pair.
package fleet

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultTenant is used when a request carries no tenant marker.
const DefaultTenant = "demo"

// Limits for identifier validation.
const (
	MaxSegmentLen = 32
	MaxSKULen     = 50
	MaxTenantLen  = 63
)

// AgentType classifies the role of a node in the hierarchy.
type AgentType string

const (
	TypeOrchestrator AgentType = "orchestrator"
	TypeWarehouse    AgentType = "warehouse"
	TypeRetail       AgentType = "retail"
	TypeFulfillment  AgentType = "fulfillment"
)

// ParseAgentType returns the AgentType for s, or TypeOrchestrator if s is
// not a known type.
func ParseAgentType(s string) AgentType {
	switch AgentType(s) {
	case TypeWarehouse, TypeRetail, TypeFulfillment:
		return AgentType(s)
	default:
		return TypeOrchestrator
	}
}

// Path is a hierarchical location within a tenant: a list of non-empty,
// percent-decoded segments. The zero value is the root.
type Path []string

// ParsePath parses a slash-delimited, possibly percent-encoded path into
// its canonical segment form. Empty segments (doubled or trailing slashes)
// are dropped, so "/a/b" and "/a/b/" parse identically. Each decoded
// segment must pass ValidSegment.
func ParsePath(s string) (Path, error) {
	var p Path
	for _, raw := range strings.Split(s, "/") {
		if raw == "" {
			continue
		}
		seg, err := url.PathUnescape(raw)
		if err != nil {
			return nil, fmt.Errorf("decode segment %q: %w", raw, err)
		}
		if !ValidSegment(seg) {
			return nil, fmt.Errorf("invalid path segment %q", seg)
		}
		p = append(p, seg)
	}
	return p, nil
}

// String returns the canonical string form: "/" for the root, "/a/b/c"
// otherwise. This form is the routing key and the storage key.
func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	return "/" + strings.Join(p, "/")
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool { return len(p) == 0 }

// Last returns the final segment, or "" for the root.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Parent returns the path one level up. The root's parent is the root.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Child returns p extended by one segment.
func (p Path) Child(segment string) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, segment)
}

// Encoded returns the path with each segment percent-encoded, for URL
// construction. Storage and routing always use the decoded String form.
func (p Path) Encoded() string {
	if len(p) == 0 {
		return "/"
	}
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = url.PathEscape(seg)
	}
	return "/" + strings.Join(parts, "/")
}

// OwnerKey identifies the single live agent for a (tenant, path) pair.
type OwnerKey struct {
	Tenant string
	Path   Path
}

// NewOwnerKey builds an OwnerKey, substituting DefaultTenant for an empty
// tenant.
func NewOwnerKey(tenant string, path Path) OwnerKey {
	if tenant == "" {
		tenant = DefaultTenant
	}
	return OwnerKey{Tenant: tenant, Path: path}
}

// Registry returns the registry key form "tenant|/a/b". Exactly one agent
// may be live per registry key.
func (k OwnerKey) Registry() string {
	return k.Tenant + "|" + k.Path.String()
}

// String returns the display form "tenant:/a/b".
func (k OwnerKey) String() string {
	return k.Tenant + ":" + k.Path.String()
}

// Parent returns the owner key one path level up, same tenant.
func (k OwnerKey) Parent() OwnerKey {
	return OwnerKey{Tenant: k.Tenant, Path: k.Path.Parent()}
}

// Child returns the owner key for a direct child segment.
func (k OwnerKey) Child(segment string) OwnerKey {
	return OwnerKey{Tenant: k.Tenant, Path: k.Path.Child(segment)}
}

// ValidSegment reports whether s is a legal path segment: 1..32 characters
// drawn from letters, digits, space, underscore, and hyphen.
func ValidSegment(s string) bool {
	if len(s) == 0 || len(s) > MaxSegmentLen {
		return false
	}
	return validChars(s)
}

// ValidSKU reports whether s is a legal SKU: 1..50 characters from the
// same character class as path segments.
func ValidSKU(s string) bool {
	if len(s) == 0 || len(s) > MaxSKULen {
		return false
	}
	return validChars(s)
}

// ValidTenant reports whether s is a legal tenant key: 1..63 characters,
// letters, digits, underscore, and hyphen (no spaces — tenants appear as
// host labels).
func ValidTenant(s string) bool {
	if len(s) == 0 || len(s) > MaxTenantLen {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

func validChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ' ' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
