package accessip

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/cloudflare/cloudflare-go"
)

// Policy is an Access policy document.
//
// Only Include is interpreted.
// Every other field is kept as received and written back unchanged.
type Policy struct {
	Include []Rule

	other map[string]json.RawMessage
}

// Rule is one entry of a policy's include list, kept as raw JSON.
type Rule json.RawMessage

// IPRule returns the rule {"ip":{"ip":cidr}}.
func IPRule(cidr string) Rule {
	var r cloudflare.AccessGroupIP
	r.IP.IP = cidr
	b, _ := json.Marshal(r)
	return Rule(b)
}

// CIDR returns the range of an IP rule.
// ok is false for any other rule shape.
func (r Rule) CIDR() (cidr string, ok bool) {
	var probe struct {
		IP *struct {
			IP *string `json:"ip"`
		} `json:"ip"`
	}
	if err := json.Unmarshal(r, &probe); err != nil {
		return "", false
	}
	if probe.IP == nil || probe.IP.IP == nil {
		return "", false
	}
	return *probe.IP.IP, true
}

func (r Rule) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *Rule) UnmarshalJSON(b []byte) error {
	*r = append((*r)[0:0], b...)
	return nil
}

// CIDRs returns the ranges of all IP rules in Include, in document order.
func (p *Policy) CIDRs() []string {
	var cidrs []string
	for _, r := range p.Include {
		if c, ok := r.CIDR(); ok {
			cidrs = append(cidrs, c)
		}
	}
	return cidrs
}

// OtherRules counts the Include rules that are not IP rules.
func (p *Policy) OtherRules() int {
	n := 0
	for _, r := range p.Include {
		if _, ok := r.CIDR(); !ok {
			n++
		}
	}
	return n
}

// SetAllowlist replaces Include with one IP rule per cidr.
func (p *Policy) SetAllowlist(cidrs []string) {
	p.Include = make([]Rule, 0, len(cidrs))
	for _, c := range cidrs {
		p.Include = append(p.Include, IPRule(c))
	}
}

// Field returns the raw value of a field other than include.
func (p *Policy) Field(name string) (json.RawMessage, bool) {
	v, ok := p.other[name]
	return v, ok
}

func (p *Policy) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return fmt.Errorf("policy document is null")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("policy document is not a JSON object: %w", err)
	}
	p.Include = nil
	if inc, found := fields["include"]; found {
		if err := json.Unmarshal(inc, &p.Include); err != nil {
			return fmt.Errorf("error decoding policy include: %w", err)
		}
		delete(fields, "include")
	}
	p.other = fields
	return nil
}

func (p Policy) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(p.other)+1)
	for k, v := range p.other {
		fields[k] = v
	}
	include := p.Include
	if include == nil {
		include = []Rule{}
	}
	fields["include"] = include
	return json.Marshal(fields)
}

// normalizeCIDR puts parseable ranges into canonical text so that equivalent
// spellings compare equal. A range with host bits set is returned as is,
// which never equals a masked range, so it gets rewritten.
func normalizeCIDR(s string) string {
	p, err := netip.ParsePrefix(s)
	if err != nil || p != p.Masked() {
		return s
	}
	return p.String()
}

// sameSet reports whether a and b hold the same ranges,
// ignoring order and duplicates.
func sameSet(a, b []string) bool {
	as := map[string]bool{}
	bs := map[string]bool{}
	for _, c := range a {
		as[normalizeCIDR(c)] = true
	}
	for _, c := range b {
		bs[normalizeCIDR(c)] = true
	}
	if len(as) != len(bs) {
		return false
	}
	for c := range as {
		if !bs[c] {
			return false
		}
	}
	return true
}
