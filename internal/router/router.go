// Package router is fleetd's front door. It derives the tenant and the
// canonical agent path from each request, classifies the endpoint,
// guarantees at most one live agent per owner key through its registry,
// and implements the hierarchy fabric that agents use to reach their
// peers. The registry is the sole process-wide mutable state.
package router

import (
	"net"
	"strings"

	"github.com/blakebauman/fleetd/internal/fleet"
)

// Forwarding headers supplied on every dispatched request. Agents
// prefer these over URL parsing.
const (
	HeaderTenant = "tenant"
	HeaderPath   = "fleet-path"
)

// apiSuffixes are the known endpoint suffixes. None of them ends with
// another, so at most one matches and their order does not matter.
var apiSuffixes = []string{
	"/inventory/stock",
	"/inventory/query",
	"/inventory/alerts",
	"/inventory/sync",
	"/debug/locations",
	"/delete-subtree",
	"/ai/analyze",
	"/ai/forecast",
	"/ai/insights",
	"/increment",
	"/debug/db",
	"/messages",
	"/message",
	"/state",
}

// DeriveTenant extracts the tenant from the request host and URL path,
// in the documented order: subdomain label, /tenant/<id>/ prefix, then
// first path segment. Returns the tenant and the path remainder that
// still needs endpoint classification.
func DeriveTenant(host, urlPath string) (string, string) {
	if h := hostTenant(host); h != "" {
		return h, urlPath
	}

	trimmed := strings.TrimPrefix(urlPath, "/")
	if rest, ok := strings.CutPrefix(trimmed, "tenant/"); ok {
		id, remainder, _ := strings.Cut(rest, "/")
		if id != "" {
			return id, "/" + remainder
		}
	}

	first, remainder, _ := strings.Cut(trimmed, "/")
	if first != "" {
		return first, "/" + remainder
	}

	return fleet.DefaultTenant, "/"
}

// hostTenant returns the leftmost host label when the host has three or
// more labels and the leftmost is not www. IP hosts never carry a
// tenant label.
func hostTenant(host string) string {
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	if net.ParseIP(strings.Trim(host, "[]")) != nil {
		return ""
	}
	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	if labels[0] == "" || labels[0] == "www" {
		return ""
	}
	return labels[0]
}

// Classify splits a tenant-relative URL path into the agent path and the
// API endpoint. A trailing /ws marks a subscription upgrade. An empty
// endpoint with upgrade false means no API endpoint matched.
func Classify(urlPath string) (agentPath, endpoint string, upgrade bool) {
	if urlPath == "" {
		urlPath = "/"
	}

	if rest, ok := strings.CutSuffix(strings.TrimSuffix(urlPath, "/"), "/ws"); ok {
		if rest == "" {
			rest = "/"
		}
		return rest, "", true
	}

	// Any /inventory/ or /ai/ component splits the URL at its first
	// occurrence, covering sub-paths the suffix list does not name.
	for _, marker := range []string{"/inventory/", "/ai/"} {
		if idx := strings.Index(urlPath, marker); idx >= 0 {
			agentPath = urlPath[:idx]
			if agentPath == "" {
				agentPath = "/"
			}
			return agentPath, urlPath[idx:], false
		}
	}

	for _, suffix := range apiSuffixes {
		if rest, ok := strings.CutSuffix(urlPath, suffix); ok {
			if rest == "" {
				rest = "/"
			}
			return rest, suffix, false
		}
	}

	return urlPath, "", false
}

// Resolve derives the full owner key and endpoint for one request.
func Resolve(host, urlPath string) (fleet.OwnerKey, string, bool, error) {
	tenant, remainder := DeriveTenant(host, urlPath)
	if !fleet.ValidTenant(tenant) {
		return fleet.OwnerKey{}, "", false, &invalidRequestError{"invalid tenant " + tenant}
	}

	agentPath, endpoint, upgrade := Classify(remainder)
	path, err := fleet.ParsePath(agentPath)
	if err != nil {
		return fleet.OwnerKey{}, "", false, &invalidRequestError{err.Error()}
	}

	return fleet.NewOwnerKey(tenant, path), endpoint, upgrade, nil
}

// invalidRequestError marks 400-class routing failures.
type invalidRequestError struct{ msg string }

func (e *invalidRequestError) Error() string { return e.msg }
