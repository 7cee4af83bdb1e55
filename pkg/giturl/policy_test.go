package giturl

import (
	"context"
	"testing"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

func TestCheck_AllowsWhenPolicyEmpty(t *testing.T) {
	if err := (ClonePolicy{}).Check(context.Background(), "https://github.com/org/repo.git"); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
}

func TestCheck_RejectsDisallowedScheme(t *testing.T) {
	policy := ClonePolicy{AllowedSchemes: []string{"https"}}
	err := policy.Check(context.Background(), "http://github.com/org/repo.git")
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if !rnerrors.IsCode(err, rnerrors.ErrCodeClonePolicy) {
		t.Fatalf("expected CLONE_POLICY code, got %v", err)
	}
}

func TestCheck_RejectsHostNotInAllowList(t *testing.T) {
	policy := ClonePolicy{AllowedHosts: []string{"github.com"}}
	if err := policy.Check(context.Background(), "https://gitlab.com/org/repo.git"); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestCheck_RejectsDeniedHost(t *testing.T) {
	policy := ClonePolicy{DeniedHosts: []string{"*.internal.example"}}
	if err := policy.Check(context.Background(), "https://git.internal.example/org/repo.git"); err == nil {
		t.Fatalf("expected rejection")
	}
	if err := policy.Check(context.Background(), "https://internal.example/org/repo.git"); err != nil {
		t.Fatalf("wildcard should only match subdomains, got %v", err)
	}
}

func TestCheck_DenyPrivateNetworksRejectsLoopback(t *testing.T) {
	policy := ClonePolicy{DenyPrivateNetworks: true}
	for _, link := range []string{"https://127.0.0.1/org/repo.git", "http://localhost:3000/org/repo.git", "https://10.1.2.3/r.git"} {
		if err := policy.Check(context.Background(), link); err == nil {
			t.Fatalf("expected rejection for %s", link)
		}
	}
	if err := policy.Check(context.Background(), "https://github.com/org/repo.git"); err != nil {
		t.Fatalf("expected public host allowed without DNS resolution, got %v", err)
	}
}

func TestCheck_AllowHostsDisablesPrivateNetworkCheck(t *testing.T) {
	policy := ClonePolicy{
		DenyPrivateNetworks: true,
		AllowedHosts:        []string{"127.0.0.1"},
	}
	if err := policy.Check(context.Background(), "https://127.0.0.1/org/repo.git"); err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
}

func TestCheck_RejectsSCPSyntax(t *testing.T) {
	err := (ClonePolicy{}).Check(context.Background(), "git@github.com:org/repo.git")
	if err == nil {
		t.Fatalf("expected scp syntax rejection")
	}
	if got := rnerrors.Describe(err); got == "" {
		t.Fatalf("expected a readable rejection message")
	}
}

func TestParse(t *testing.T) {
	ep, err := Parse("  HTTPS://GitHub.com:443/org/repo.git ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Scheme != "https" || ep.Host != "github.com" || ep.Path != "/org/repo.git" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	if _, err := Parse("file:///tmp/repo"); err != nil {
		t.Fatalf("file URLs need no host: %v", err)
	}
	if _, err := Parse("https:///org/repo.git"); err == nil {
		t.Fatalf("expected missing host rejection")
	}
}

func TestDefaultClonePolicy(t *testing.T) {
	p := DefaultClonePolicy()
	ctx := context.Background()

	if err := p.Check(ctx, "https://github.com/acme/widgets.git"); err != nil {
		t.Fatalf("expected public https allowed, got %v", err)
	}
	for _, link := range []string{
		"file:///srv/repos/widgets",
		"https://127.0.0.1/acme/widgets.git",
		"ssh://git@github.com/acme/widgets.git",
	} {
		if err := p.Check(ctx, link); err == nil {
			t.Fatalf("expected rejection for %s", link)
		}
	}
}
