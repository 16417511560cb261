package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minismarket/minis-core/internal/platform/audit"
	"github.com/minismarket/minis-core/internal/platform/clock"
)

// RemoteAccessGuard restricts the moderation surface to trusted networks.
// Authentication alone is not enough for adjudication endpoints: a leaked
// admin token from outside the trusted CIDRs still gets denied, and every
// attempt lands in the audit trail.
type RemoteAccessActivity struct {
	Timestamp       string
	SourceIP        string
	SourcePort      string
	Destination     string
	DestinationPort string
	Path            string
	Method          string
	Allowed         bool
	Reason          string
}

type RemoteAccessGuard struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore

	trusted []*net.IPNet
	proxies []*net.IPNet
	mu      sync.Mutex
	logs    []RemoteAccessActivity
	nextID  int64
}

func NewRemoteAccessGuard(clk clock.Clock, store *audit.InMemoryStore, cidrs []string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{Clock: clk, AuditStore: store, trusted: trusted}, nil
}

// SetTrustedProxies names the networks whose X-Forwarded-For header the
// guard believes. With no proxies configured the header is ignored and only
// the direct peer address counts, so a client cannot spoof its way into the
// trusted network.
func (g *RemoteAccessGuard) SetTrustedProxies(cidrs []string) error {
	proxies := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy cidr %q: %w", c, err)
		}
		proxies = append(proxies, ipnet)
	}
	g.proxies = proxies
	return nil
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func (g *RemoteAccessGuard) isAdminPath(path string) bool {
	return strings.HasPrefix(path, "/v1/admin")
}

func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	peer, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		peer = strings.TrimSpace(r.RemoteAddr)
		port = ""
	}
	if !g.isTrustedProxy(peer) {
		return peer, port
	}
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff == "" {
		return peer, port
	}
	parts := strings.Split(xff, ",")
	return strings.TrimSpace(parts[0]), ""
}

func (g *RemoteAccessGuard) isTrustedProxy(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.proxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) appendAudit(path, sourceIP, action, reason string) {
	if g.AuditStore == nil {
		return
	}
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.mu.Unlock()
	now := g.now()
	outcome := audit.OutcomeApplied
	if action != "allowed" {
		outcome = audit.OutcomeDenied
	}
	_, _ = g.AuditStore.Append(audit.Event{
		EventID:      "remote-access-" + strconv.FormatInt(id, 10),
		OccurredAt:   now,
		ActorID:      sourceIP,
		ActorRole:    "remote",
		ObjectType:   "remote_access",
		ObjectID:     path,
		Action:       action,
		Before:       []byte(`{}`),
		After:        []byte(`{}`),
		Outcome:      outcome,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

func (g *RemoteAccessGuard) logActivity(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		port = ""
	}
	entry := RemoteAccessActivity{
		Timestamp:       g.now().Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	}
	g.mu.Lock()
	g.logs = append(g.logs, entry)
	g.mu.Unlock()
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			g.logActivity(r, sourceIP, sourcePort, false, "source ip outside trusted network")
			g.appendAudit(r.URL.Path, sourceIP, "denied", "source ip outside trusted network")
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}

		g.logActivity(r, sourceIP, sourcePort, true, "")
		g.appendAudit(r.URL.Path, sourceIP, "allowed", "")
		next.ServeHTTP(w, r)
	})
}
