package giturl

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	rnerrors "github.com/odvcencio/releasenotes/pkg/errors"
)

// ClonePolicy decides which repository links may be cloned or fetched.
// Empty allow-lists mean "allow all" (subject to deny lists).
type ClonePolicy struct {
	AllowedSchemes       []string `yaml:"allowed_schemes"`
	AllowedHosts         []string `yaml:"allowed_hosts"`
	DeniedHosts          []string `yaml:"denied_hosts"`
	DenyPrivateNetworks  bool     `yaml:"deny_private_networks"`
	ResolveDNS           bool     `yaml:"resolve_dns"`
	DNSResolveTimeoutSec int      `yaml:"dns_resolve_timeout_seconds"`
}

// DefaultClonePolicy allows public http(s) remotes only.
func DefaultClonePolicy() ClonePolicy {
	return ClonePolicy{
		AllowedSchemes:       []string{"https", "http"},
		DenyPrivateNetworks:  true,
		DNSResolveTimeoutSec: 2,
	}
}

// Endpoint is the parsed form of a clone URL.
type Endpoint struct {
	Scheme string
	Host   string
	Path   string
}

// Parse accepts URL-style clone links (https://host/org/repo.git, file:///path).
// scp-style "git@host:org/repo" links are not accepted.
func Parse(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("git URL is empty")
	}
	if !strings.Contains(raw, "://") {
		return Endpoint{}, fmt.Errorf("git URL %q must include a scheme such as https://", raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid git URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme == "" {
		return Endpoint{}, fmt.Errorf("git URL scheme is required")
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	if scheme != "file" && host == "" {
		return Endpoint{}, fmt.Errorf("git URL host is required for scheme %q", scheme)
	}
	return Endpoint{Scheme: scheme, Host: host, Path: u.Path}, nil
}

// Check validates raw against the policy. Rejections carry CLONE_POLICY.
func (p ClonePolicy) Check(ctx context.Context, raw string) error {
	ep, err := Parse(raw)
	if err != nil {
		return reject(err)
	}

	if allowed := normalizeList(p.AllowedSchemes); len(allowed) > 0 && !contains(allowed, ep.Scheme) {
		return reject(fmt.Errorf("git URL scheme %q is not allowed", ep.Scheme))
	}

	allowedHosts := normalizeList(p.AllowedHosts)
	if ep.Host != "" {
		for _, pat := range normalizeList(p.DeniedHosts) {
			if hostMatchesPattern(pat, ep.Host) {
				return reject(fmt.Errorf("git URL host %q is denied", ep.Host))
			}
		}
		if len(allowedHosts) > 0 && !matchesAny(allowedHosts, ep.Host) {
			return reject(fmt.Errorf("git URL host %q is not in allowed_hosts", ep.Host))
		}
	}

	// An explicit allow-list is trusted over the private network check.
	if p.DenyPrivateNetworks && len(allowedHosts) == 0 {
		if err := p.denyPrivateNetworks(ctx, ep.Host); err != nil {
			return reject(err)
		}
	}
	return nil
}

func reject(err error) error {
	return rnerrors.Wrap(err, rnerrors.ErrCodeClonePolicy, "repository link rejected").
		WithUserMessage(fmt.Sprintf("Repository link rejected: %v", err))
}

func (p ClonePolicy) denyPrivateNetworks(ctx context.Context, host string) error {
	if host == "" {
		return nil
	}
	if host == "localhost" {
		return fmt.Errorf("git URL host %q is not allowed (private network)", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("git URL host %q is not allowed (private network)", host)
		}
		return nil
	}

	if !p.ResolveDNS {
		return nil
	}

	timeout := 2 * time.Second
	if p.DNSResolveTimeoutSec > 0 {
		timeout = time.Duration(p.DNSResolveTimeoutSec) * time.Second
	}
	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve git host %q: %w", host, err)
	}
	for _, addr := range addrs {
		if isBlockedIP(addr.IP) {
			return fmt.Errorf("git URL host %q resolves to a private network address", host)
		}
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() || ip.IsUnspecified() {
		return true
	}
	return !ip.IsGlobalUnicast()
}

func normalizeList(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, host string) bool {
	for _, pat := range patterns {
		if hostMatchesPattern(pat, host) {
			return true
		}
	}
	return false
}

// hostMatchesPattern supports exact hosts, "*", "*.example.com" (subdomains
// only) and ".example.com" (suffix).
func hostMatchesPattern(pattern, host string) bool {
	if pattern == "" || host == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if h, _, err := net.SplitHostPort(pattern); err == nil {
		pattern = h
	}

	switch {
	case strings.HasPrefix(pattern, "*."):
		suffix := strings.TrimPrefix(pattern, "*")
		return strings.HasSuffix(host, suffix) && host != strings.TrimPrefix(suffix, ".")
	case strings.HasPrefix(pattern, "."):
		return strings.HasSuffix(host, pattern)
	default:
		return host == pattern
	}
}
