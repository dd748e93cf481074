package sandbox

import (
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strings"
)

// =============================================================================
// PERMISSION CHECKER
// =============================================================================

// Checker answers the six permission check operations against one
// permission set. Checkers are stateless; the sandbox swaps in a new
// checker when an escalation mutates its permissions.
type Checker struct {
	perms Permissions
}

// NewChecker creates a checker over the given permissions.
func NewChecker(perms Permissions) *Checker {
	return &Checker{perms: perms}
}

// CheckFilesystemRead answers whether the path may be read. Read-write
// grants imply read. Denied patterns dominate.
func (c *Checker) CheckFilesystemRead(p string) CheckResult {
	p = normalizePath(p)
	if pattern, ok := matchPath(c.perms.FS.Denied, p); ok {
		return denied(fmt.Sprintf("path %s denied by %s", p, pattern), true)
	}
	if _, ok := matchPath(c.perms.FS.ReadOnly, p); ok {
		return granted("read-only grant")
	}
	if _, ok := matchPath(c.perms.FS.ReadWrite, p); ok {
		return granted("read-write grant")
	}
	return denied(fmt.Sprintf("no read grant covers %s", p), true)
}

// CheckFilesystemWrite answers whether the path may be written. Only
// read-write grants permit writes.
func (c *Checker) CheckFilesystemWrite(p string) CheckResult {
	p = normalizePath(p)
	if pattern, ok := matchPath(c.perms.FS.Denied, p); ok {
		return denied(fmt.Sprintf("path %s denied by %s", p, pattern), true)
	}
	if _, ok := matchPath(c.perms.FS.ReadWrite, p); ok {
		return granted("read-write grant")
	}
	if _, ok := matchPath(c.perms.FS.ReadOnly, p); ok {
		return denied(fmt.Sprintf("path %s is read-only", p), true)
	}
	return denied(fmt.Sprintf("no write grant covers %s", p), true)
}

// CheckNetworkAccess answers whether a connection may be made. Any of
// domain, ip, and port may be empty/zero; only the supplied dimensions are
// checked. The disabled flag wins over everything.
func (c *Checker) CheckNetworkAccess(domain string, ip string, port int) CheckResult {
	n := c.perms.Net
	if !n.Enabled {
		return denied("network access disabled", true)
	}

	if domain != "" {
		domain = strings.ToLower(strings.TrimSuffix(domain, "."))
		if pattern, ok := matchDomain(n.DeniedDomains, domain); ok {
			return denied(fmt.Sprintf("domain %s denied by %s", domain, pattern), true)
		}
		if len(n.AllowedDomains) > 0 {
			if _, ok := matchDomain(n.AllowedDomains, domain); !ok {
				return denied(fmt.Sprintf("domain %s not on allow-list", domain), true)
			}
		}
	}

	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil {
			return denied(fmt.Sprintf("unparseable ip %q", ip), false)
		}
		if len(n.AllowedCIDRs) > 0 && !matchCIDR(n.AllowedCIDRs, parsed) {
			return denied(fmt.Sprintf("ip %s not in any allowed CIDR", ip), true)
		}
	}

	if port > 0 && len(n.AllowedPorts) > 0 {
		found := false
		for _, p := range n.AllowedPorts {
			if p == port {
				found = true
				break
			}
		}
		if !found {
			return denied(fmt.Sprintf("port %d not on allow-list", port), true)
		}
	}

	return granted("network access permitted")
}

// CheckResourceLimit answers whether consuming amount more of the resource
// would stay within limits given current usage. Execution time is a hard
// limit and is never escalable.
func (c *Checker) CheckResourceLimit(kind ResourceKind, current, amount int64) CheckResult {
	limit := c.limitFor(kind)
	if limit <= 0 {
		return granted(fmt.Sprintf("%s unlimited", kind))
	}
	if current+amount > limit {
		escalable := kind != ResourceExecutionTime
		return denied(fmt.Sprintf("%s: %d + %d exceeds limit %d", kind, current, amount, limit), escalable)
	}
	return granted(fmt.Sprintf("%s within limit", kind))
}

// CheckCapability answers whether the named capability is granted.
func (c *Checker) CheckCapability(name string) CheckResult {
	for _, cap := range c.perms.Capabilities {
		if cap == name || cap == "*" {
			return granted("capability granted")
		}
	}
	return denied(fmt.Sprintf("capability %s not granted", name), true)
}

// CheckEnvVar answers whether the environment variable may be read.
func (c *Checker) CheckEnvVar(name string) CheckResult {
	for _, allowed := range c.perms.EnvAllowlist {
		if allowed == name || allowed == "*" {
			return granted("env var allowed")
		}
	}
	return denied(fmt.Sprintf("env var %s not on allowlist", name), true)
}

func (c *Checker) limitFor(kind ResourceKind) int64 {
	switch kind {
	case ResourceCPU:
		return c.perms.Resources.MaxCPUMillis
	case ResourceMemory:
		return c.perms.Resources.MaxMemoryBytes
	case ResourceExecutionTime:
		return c.perms.Resources.MaxExecutionMS
	case ResourceProcesses:
		return int64(c.perms.Resources.MaxProcesses)
	}
	return 0
}

// =============================================================================
// MATCHING
// =============================================================================

// normalizePath cleans the path and strips a trailing separator.
func normalizePath(p string) string {
	return filepath.Clean(p)
}

// matchPath reports whether any pattern covers the path. A pattern covers
// its exact path, its subtree, or glob-matches via path.Match.
func matchPath(patterns []string, p string) (string, bool) {
	for _, raw := range patterns {
		pattern := normalizePath(raw)
		if pattern == p {
			return raw, true
		}
		if strings.HasPrefix(p, pattern+string(filepath.Separator)) {
			return raw, true
		}
		if strings.ContainsAny(pattern, "*?[") {
			if ok, err := path.Match(pattern, p); err == nil && ok {
				return raw, true
			}
		}
	}
	return "", false
}

// matchDomain reports whether any pattern matches the domain. Patterns are
// exact names or `*.` suffixes; compare is case-insensitive.
func matchDomain(patterns []string, domain string) (string, bool) {
	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSuffix(raw, "."))
		if pattern == domain {
			return raw, true
		}
		if strings.HasPrefix(pattern, "*.") && strings.HasSuffix(domain, pattern[1:]) {
			return raw, true
		}
	}
	return "", false
}

// matchCIDR reports whether the ip falls inside any of the CIDRs.
// Unparseable CIDRs are skipped.
func matchCIDR(cidrs []string, ip net.IP) bool {
	for _, raw := range cidrs {
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
