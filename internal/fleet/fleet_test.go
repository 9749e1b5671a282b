package fleet

import (
	"strings"
	"testing"
)

func TestParsePathRoot(t *testing.T) {
	for _, raw := range []string{"", "/", "//"} {
		p, err := ParsePath(raw)
		if err != nil {
			t.Fatalf("ParsePath(%q) error: %v", raw, err)
		}
		if !p.IsRoot() || p.String() != "/" {
			t.Errorf("ParsePath(%q) = %q, want /", raw, p.String())
		}
	}
}

func TestParsePathCanonicalization(t *testing.T) {
	a, err := ParsePath("/a/b")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParsePath("/a/b/")
	if err != nil {
		t.Fatal(err)
	}
	if a.String() != b.String() {
		t.Errorf("trailing slash changed canonical form: %q vs %q", a.String(), b.String())
	}
	if a.String() != "/a/b" {
		t.Errorf("canonical form = %q, want /a/b", a.String())
	}
}

func TestParsePathDecodesSegments(t *testing.T) {
	p, err := ParsePath("/warehouse%20ny/zone%201")
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != "/warehouse ny/zone 1" {
		t.Errorf("decoded form = %q", p.String())
	}
	if p.Encoded() != "/warehouse%20ny/zone%201" {
		t.Errorf("encoded form = %q", p.Encoded())
	}
}

func TestParsePathRejectsBadSegments(t *testing.T) {
	for _, raw := range []string{"/a.b", "/a%2Fb", "/" + strings.Repeat("x", 33)} {
		if _, err := ParsePath(raw); err == nil {
			t.Errorf("ParsePath(%q) accepted, want error", raw)
		}
	}
}

func TestValidSegmentBoundaries(t *testing.T) {
	if !ValidSegment(strings.Repeat("a", 32)) {
		t.Error("32-char segment rejected, want accepted")
	}
	if ValidSegment(strings.Repeat("a", 33)) {
		t.Error("33-char segment accepted, want rejected")
	}
	if ValidSegment("") {
		t.Error("empty segment accepted")
	}
	for _, bad := range []string{"a.b", "a/b", "a\tb", "a\x00b", "ü"} {
		if ValidSegment(bad) {
			t.Errorf("ValidSegment(%q) = true, want false", bad)
		}
	}
	for _, good := range []string{"warehouse-ny", "zone 1", "a_b", "A1"} {
		if !ValidSegment(good) {
			t.Errorf("ValidSegment(%q) = false, want true", good)
		}
	}
}

func TestValidSKUBoundaries(t *testing.T) {
	if !ValidSKU(strings.Repeat("S", 50)) {
		t.Error("50-char sku rejected")
	}
	if ValidSKU(strings.Repeat("S", 51)) {
		t.Error("51-char sku accepted")
	}
	if ValidSKU("") {
		t.Error("empty sku accepted")
	}
	if !ValidSKU("SKU-1") {
		t.Error("SKU-1 rejected")
	}
}

func TestOwnerKeyForms(t *testing.T) {
	p, _ := ParsePath("/org/store")
	k := NewOwnerKey("acme", p)
	if k.Registry() != "acme|/org/store" {
		t.Errorf("Registry() = %q", k.Registry())
	}
	if k.String() != "acme:/org/store" {
		t.Errorf("String() = %q", k.String())
	}

	k = NewOwnerKey("", nil)
	if k.Tenant != DefaultTenant {
		t.Errorf("empty tenant = %q, want %q", k.Tenant, DefaultTenant)
	}
	if k.Registry() != "demo|/" {
		t.Errorf("root Registry() = %q", k.Registry())
	}
}

func TestOwnerKeyParentChild(t *testing.T) {
	p, _ := ParsePath("/a/b")
	k := NewOwnerKey("demo", p)

	parent := k.Parent()
	if parent.Path.String() != "/a" {
		t.Errorf("parent path = %q, want /a", parent.Path.String())
	}
	if parent.Parent().Path.String() != "/" {
		t.Errorf("grandparent path = %q, want /", parent.Parent().Path.String())
	}
	// The root's parent is the root.
	root := NewOwnerKey("demo", nil)
	if root.Parent().Path.String() != "/" {
		t.Error("root parent is not root")
	}

	child := k.Child("c")
	if child.Path.String() != "/a/b/c" {
		t.Errorf("child path = %q, want /a/b/c", child.Path.String())
	}
	// Child must not alias the parent's backing array.
	d := k.Child("d")
	if child.Path.String() != "/a/b/c" || d.Path.String() != "/a/b/d" {
		t.Errorf("sibling children alias: %q, %q", child.Path.String(), d.Path.String())
	}
}

func TestParseAgentType(t *testing.T) {
	if got := ParseAgentType("warehouse"); got != TypeWarehouse {
		t.Errorf("ParseAgentType(warehouse) = %q", got)
	}
	if got := ParseAgentType("bogus"); got != TypeOrchestrator {
		t.Errorf("ParseAgentType(bogus) = %q, want orchestrator", got)
	}
	if got := ParseAgentType(""); got != TypeOrchestrator {
		t.Errorf("ParseAgentType(empty) = %q, want orchestrator", got)
	}
}
