package backends

import (
	"context"
	"fmt"

	"github.com/miekg/dns"
)

// DNSProbe passes when the resolver answers a query. Any well-formed
// response counts; the probe checks the resolver is up, not that a
// particular name exists.
type DNSProbe struct {
	Resolver string

	// Name is the query sent to the resolver. Defaults to a root NS query,
	// which every functioning resolver can answer from cache.
	Name string
}

func (p *DNSProbe) Check(ctx context.Context) error {
	name := p.Name
	qtype := dns.TypeNS
	if name == "" {
		name = "."
	} else {
		qtype = dns.TypeA
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)

	c := new(dns.Client)
	resp, _, err := c.ExchangeContext(ctx, m, p.Resolver)
	if err != nil {
		return fmt.Errorf("dns probe %s: %w", p.Resolver, err)
	}
	if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
		return fmt.Errorf("dns probe %s: rcode %s", p.Resolver, dns.RcodeToString[resp.Rcode])
	}
	return nil
}
