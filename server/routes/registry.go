// peer-IP registry and request statistics
package routes

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks active connections per normalized IP plus every IP
// ever seen. Private and loopback peers collapse to "local" so
// multi-tab testing does not inflate the visitor count.
type Registry struct {
	mu     sync.Mutex
	counts map[string]int
	seen   map[string]struct{}

	totalRequests atomic.Int64
	startTime     time.Time

	// ConnCount reports live connections, wired to the reactor.
	ConnCount func() int
}

func NewRegistry() *Registry {
	return &Registry{
		counts:    make(map[string]int),
		seen:      make(map[string]struct{}),
		startTime: time.Now(),
	}
}

func isPrivateIPv4(ip string) bool {
	if strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "127.") || strings.HasPrefix(ip, "192.168.") ||
		strings.HasPrefix(ip, "169.254.") {
		return true
	}
	if strings.HasPrefix(ip, "172.") {
		rest := ip[4:]
		if dot := strings.IndexByte(rest, '.'); dot > 0 {
			if second, err := strconv.Atoi(rest[:dot]); err == nil && second >= 16 && second <= 31 {
				return true
			}
		}
	}
	return false
}

// NormalizeIP collapses private, loopback and link-local peers.
func NormalizeIP(ip string) string {
	if ip == "" {
		return ""
	}
	if ip == "::1" || isPrivateIPv4(ip) || strings.HasPrefix(ip, "fe80:") {
		return "local"
	}
	return ip
}

// ConnOpened counts the peer in and returns its normalized form.
func (r *Registry) ConnOpened(raw string) string {
	ip := NormalizeIP(raw)
	if ip == "" {
		return ""
	}
	r.mu.Lock()
	r.counts[ip]++
	r.seen[ip] = struct{}{}
	r.mu.Unlock()
	return ip
}

// ConnClosed counts the peer out; the entry vanishes at zero.
func (r *Registry) ConnClosed(ip string) {
	if ip == "" {
		return
	}
	r.mu.Lock()
	if n, ok := r.counts[ip]; ok {
		if n <= 1 {
			delete(r.counts, ip)
		} else {
			r.counts[ip] = n - 1
		}
	}
	r.mu.Unlock()
}

// SwapIP rebinds a connection to the address a proxy header carried:
// the old entry is decremented, the new one counted and remembered.
func (r *Registry) SwapIP(oldIP, raw string) string {
	ip := NormalizeIP(raw)
	if ip == "" || ip == oldIP {
		return oldIP
	}
	r.mu.Lock()
	if oldIP != "" {
		if n, ok := r.counts[oldIP]; ok {
			if n <= 1 {
				delete(r.counts, oldIP)
			} else {
				r.counts[oldIP] = n - 1
			}
		}
	}
	r.counts[ip]++
	r.seen[ip] = struct{}{}
	r.mu.Unlock()
	return ip
}

func (r *Registry) RequestServed() {
	r.totalRequests.Add(1)
}

func (r *Registry) TotalRequests() int64 {
	return r.totalRequests.Load()
}

// OnlineUsers is the count of distinct live peer addresses.
func (r *Registry) OnlineUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.counts)
}

// UniqueVisitors is every address seen since startup.
func (r *Registry) UniqueVisitors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// ActiveCount returns the live count for one address, for tests.
func (r *Registry) ActiveCount(ip string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[ip]
}
