// Package resolve turns a wire Address into a dialable IP, memoizing
// domain lookups in a small LRU with TTL and rewriting addresses that
// belong to the host's own interfaces to loopback, so the proxy cannot be
// pointed at its own listening sockets via an external hostname (spec §4.1,
// §9 Design Notes).
//
// The shape mirrors the Rust reference's moka-backed async TTL cache
// (original_source/src/protocol/tuic/dns_cache.rs); this repo uses
// hashicorp/golang-lru's expirable LRU, which offers the same two knobs
// (capacity, per-entry TTL) natively — no suitable cache library ships in
// the retrieval pack itself, so this dependency is pulled from the wider
// Go ecosystem rather than grounded on a pack repo (see DESIGN.md).
package resolve

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/errs"
)

// Cache resolves domain names to IP addresses with a bounded, TTL-expiring
// memo, and rewrites host-local results to loopback.
type Cache struct {
	entries *lru.LRU[string, net.IP]
	resolver *net.Resolver

	localOnce sync.Once
	localIPs  map[string]struct{}
}

// New builds a resolution cache holding at most maxEntries domain→IP
// mappings, each valid for ttl.
func New(maxEntries int, ttl time.Duration) *Cache {
	return &Cache{
		entries:  lru.NewLRU[string, net.IP](maxEntries, nil, ttl),
		resolver: net.DefaultResolver,
	}
}

// Resolve yields a dialable IP and port for addr. IPv4/IPv6 addresses pass
// through unchanged (modulo the local-address rewrite); domain names are
// looked up, with the cache consulted first. Correctness never depends on
// the cache: a miss or eviction simply triggers a fresh lookup.
func (c *Cache) Resolve(ctx context.Context, addr addrcodec.Address) (net.IP, uint16, error) {
	switch addr.Kind {
	case addrcodec.KindIPv4, addrcodec.KindIPv6:
		return c.rewriteLocal(addr.IP), addr.Port, nil
	case addrcodec.KindDomain:
		if ip, ok := c.entries.Get(addr.Domain); ok {
			return c.rewriteLocal(ip), addr.Port, nil
		}

		ips, err := c.resolver.LookupIP(ctx, "ip", addr.Domain)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("%w: %s: %v", errs.ErrResolutionFailed, addr.Domain, err)
		}

		c.entries.Add(addr.Domain, ips[0])
		return c.rewriteLocal(ips[0]), addr.Port, nil
	default:
		return nil, 0, fmt.Errorf("%w: cannot resolve address of kind %d", errs.ErrResolutionFailed, addr.Kind)
	}
}

// rewriteLocal replaces an address that resolves to one of the host's own
// interfaces, or is already loopback, with loopback of the same family,
// preserving the caller-visible port. Applied post-resolution: the client
// still sees the address it asked for.
func (c *Cache) rewriteLocal(ip net.IP) net.IP {
	c.localOnce.Do(c.loadLocalIPs)

	if ip.IsLoopback() || c.isLocal(ip) {
		if ip4 := ip.To4(); ip4 != nil {
			return net.IPv4(127, 0, 0, 1)
		}
		return net.IPv6loopback
	}
	return ip
}

func (c *Cache) isLocal(ip net.IP) bool {
	_, ok := c.localIPs[ip.String()]
	return ok
}

func (c *Cache) loadLocalIPs() {
	c.localIPs = make(map[string]struct{})

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		c.localIPs[ipNet.IP.String()] = struct{}{}
	}
}
