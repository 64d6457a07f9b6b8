package utxo

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// SeedResolver discovers node endpoints from Bitcoin-style DNS seeds. Every
// A record a seed returns is a peer offering RPC on the configured port, so
// an operator can leave the node host unset and still find one.
type SeedResolver struct {
	seeds    []string
	port     string
	resolver string
	client   *dns.Client
}

// NewSeedResolver builds a resolver over the given seed hostnames. The
// resolver address defaults to the conventional local stub.
func NewSeedResolver(seeds []string, port string, resolverAddr string) *SeedResolver {
	if resolverAddr == "" {
		resolverAddr = "127.0.0.1:53"
	}
	if port == "" {
		port = "8332"
	}
	return &SeedResolver{
		seeds:    append([]string(nil), seeds...),
		port:     port,
		resolver: resolverAddr,
		client:   &dns.Client{Timeout: 5 * time.Second},
	}
}

// Resolve queries each seed for A records and returns host:port endpoints,
// deduplicated and sorted. Seeds that fail are skipped; the call only errors
// when no seed yields any address.
func (r *SeedResolver) Resolve(ctx context.Context) ([]string, error) {
	if len(r.seeds) == 0 {
		return nil, fmt.Errorf("utxo: no dns seeds configured")
	}
	seen := make(map[string]struct{})
	var lastErr error
	for _, seed := range r.seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		msg := &dns.Msg{}
		msg.SetQuestion(dns.Fqdn(seed), dns.TypeA)
		resp, _, err := r.client.ExchangeContext(ctx, msg, r.resolver)
		if err != nil {
			lastErr = fmt.Errorf("seed %s: %w", seed, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("seed %s: rcode %d", seed, resp.Rcode)
			continue
		}
		for _, rr := range resp.Answer {
			a, ok := rr.(*dns.A)
			if !ok {
				continue
			}
			seen[net.JoinHostPort(a.A.String(), r.port)] = struct{}{}
		}
	}
	if len(seen) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("utxo: dns seeds returned no peers")
	}
	endpoints := make([]string, 0, len(seen))
	for endpoint := range seen {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	return endpoints, nil
}
