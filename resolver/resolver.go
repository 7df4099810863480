// Package resolver turns the advertised address of a dependency service into
// a dialable host:port.
//
// Two forms are accepted:
//
//	10.0.0.7:7780                       used as is
//	srv://_authentication._tcp.svc.local resolved through DNS SRV records
//
// SRV targets are resolved to an IPv4 address with the same nameserver, using
// the additional section of the SRV answer when the server provides one.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	SRVScheme = "srv://"

	DefaultNameserver = "127.0.0.53:53"
)

var ErrNoRecords = errors.New("no usable DNS records")

type Resolver struct {
	nameserver string
	client     *dns.Client
	log        *slog.Logger
}

func New(nameserver string, log *slog.Logger) *Resolver {
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		nameserver: nameserver,
		client:     &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		log:        log,
	}
}

// Resolve returns a host:port for address.
func (r *Resolver) Resolve(ctx context.Context, address string) (string, error) {
	name, isSRV := strings.CutPrefix(address, SRVScheme)
	if !isSRV {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return "", fmt.Errorf("invalid address %q: %w", address, err)
		}
		return address, nil
	}

	resolved, err := r.resolveSRV(ctx, dns.Fqdn(name))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", address, err)
	}

	r.log.Debug("Resolved advertised address",
		slog.String("address", address),
		slog.String("resolved", resolved))
	return resolved, nil
}

func (r *Resolver) resolveSRV(ctx context.Context, name string) (string, error) {
	in, err := r.exchange(ctx, name, dns.TypeSRV)
	if err != nil {
		return "", err
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: SRV %s", ErrNoRecords, name)
	}

	// Lowest priority first, then highest weight.
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	srv := records[0]
	port := strconv.Itoa(int(srv.Port))

	if ip := net.ParseIP(strings.TrimSuffix(srv.Target, ".")); ip != nil {
		return net.JoinHostPort(ip.String(), port), nil
	}

	for _, extra := range in.Extra {
		if a, ok := extra.(*dns.A); ok && strings.EqualFold(a.Hdr.Name, srv.Target) {
			return net.JoinHostPort(a.A.String(), port), nil
		}
	}

	in, err = r.exchange(ctx, srv.Target, dns.TypeA)
	if err != nil {
		return "", err
	}
	for _, answer := range in.Answer {
		if a, ok := answer.(*dns.A); ok {
			return net.JoinHostPort(a.A.String(), port), nil
		}
	}
	return "", fmt.Errorf("%w: A %s", ErrNoRecords, srv.Target)
}

func (r *Resolver) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", r.nameserver, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s %s returned %s", ErrNoRecords, dns.TypeToString[qtype], name, dns.RcodeToString[in.Rcode])
	}
	return in, nil
}
