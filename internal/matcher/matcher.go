package matcher

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
	"github.com/yl2chen/cidranger"
)

// Matcher is a generic pattern matcher,
// it gives the match result of the given pattern for specific v.
type Matcher interface {
	Match(v string) bool
}

type cidrMatcher struct {
	ranger cidranger.Ranger
}

// CIDRMatcher creates a Matcher for a list of prefixes. A single address is
// a prefix of full length.
func CIDRMatcher(prefixes []netip.Prefix) Matcher {
	ranger := cidranger.NewPCTrieRanger()
	for _, p := range prefixes {
		p = p.Masked()
		ranger.Insert(cidranger.NewBasicRangerEntry(net.IPNet{
			IP:   p.Addr().AsSlice(),
			Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
		}))
	}
	return &cidrMatcher{ranger: ranger}
}

func (m *cidrMatcher) Match(ip string) bool {
	if m == nil || m.ranger == nil {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	b, _ := m.ranger.Contains(addr.Unmap().AsSlice())
	return b
}

type domainMatcher struct {
	domains map[string]struct{}
}

// DomainMatcher creates a Matcher for a list of domains,
// the domain should be a plain domain such as 'example.com',
// or a special pattern '.example.com' that matches 'example.com'
// and any subdomain 'abc.example.com', 'def.abc.example.com' etc.
func DomainMatcher(domains []string) Matcher {
	matcher := &domainMatcher{
		domains: make(map[string]struct{}),
	}
	for _, domain := range domains {
		matcher.domains[strings.ToLower(domain)] = struct{}{}
	}
	return matcher
}

func (m *domainMatcher) Match(domain string) bool {
	if m == nil || len(m.domains) == 0 {
		return false
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	if _, ok := m.domains[domain]; ok {
		return true
	}
	if _, ok := m.domains["."+domain]; ok {
		return true
	}

	for {
		index := strings.IndexByte(domain, '.')
		if index <= 0 {
			return false
		}
		if _, ok := m.domains[domain[index:]]; ok {
			return true
		}
		domain = domain[index+1:]
	}
}

type wildcardMatcher struct {
	globs []glob.Glob
}

// WildcardMatcher creates a Matcher for wildcard patterns such as
// '*.example.com'. A '*' does not cross a '.'.
func WildcardMatcher(patterns []string) (Matcher, error) {
	matcher := &wildcardMatcher{}
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.ToLower(pattern), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid wildcard %q: %w", pattern, err)
		}
		matcher.globs = append(matcher.globs, g)
	}
	return matcher, nil
}

func (m *wildcardMatcher) Match(domain string) bool {
	if m == nil || len(m.globs) == 0 {
		return false
	}
	domain = strings.ToLower(domain)
	for _, g := range m.globs {
		if g.Match(domain) {
			return true
		}
	}
	return false
}

type pathMatcher struct {
	globs []glob.Glob
}

// PathMatcher creates a Matcher for file system paths. '*' stays inside one
// path element and '**' spans several.
func PathMatcher(patterns []string) (Matcher, error) {
	matcher := &pathMatcher{}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		matcher.globs = append(matcher.globs, g)
	}
	return matcher, nil
}

func (m *pathMatcher) Match(path string) bool {
	if m == nil {
		return false
	}
	for _, g := range m.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// Any matches if at least one of its matchers does.
type Any []Matcher

func (a Any) Match(v string) bool {
	for _, m := range a {
		if m.Match(v) {
			return true
		}
	}
	return false
}

// HostMatcher sorts mixed host patterns into address, domain and wildcard
// matchers. Entries may be addresses, CIDR prefixes, domains or wildcards.
func HostMatcher(patterns []string) (Matcher, error) {
	var (
		prefixes  []netip.Prefix
		domains   []string
		wildcards []string
	)
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if addr, err := netip.ParseAddr(p); err == nil {
			prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		if prefix, err := netip.ParsePrefix(p); err == nil {
			prefixes = append(prefixes, prefix)
			continue
		}
		if strings.ContainsAny(p, "*?[{") {
			wildcards = append(wildcards, p)
			continue
		}
		domains = append(domains, p)
	}

	var ms Any
	if len(prefixes) > 0 {
		ms = append(ms, CIDRMatcher(prefixes))
	}
	if len(domains) > 0 {
		ms = append(ms, DomainMatcher(domains))
	}
	if len(wildcards) > 0 {
		m, err := WildcardMatcher(wildcards)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}
