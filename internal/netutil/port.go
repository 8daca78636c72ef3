// Package netutil opens the control API listener.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// BindPlan lists where the control API may listen.
type BindPlan struct {
	Preferred string
	// Candidates are tried in order when Preferred is taken and
	// AutoFallback is set.
	Candidates   []string
	AutoFallback bool
}

// Addrs returns the addresses to try, in order, without duplicates.
func (p BindPlan) Addrs() []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	add(p.Preferred)
	if p.AutoFallback || strings.TrimSpace(p.Preferred) == "" {
		for _, addr := range p.Candidates {
			add(addr)
		}
	}
	return out
}

// Listen opens the first free address of the plan. The listener stays open,
// so nothing else can take the port before the server starts on it.
func Listen(plan BindPlan) (net.Listener, error) {
	addrs := plan.Addrs()
	if len(addrs) == 0 {
		return nil, errors.New("no control API bind address configured")
	}

	var errs []error
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	if len(addrs) == 1 {
		return nil, fmt.Errorf("control API address %s unavailable: %w", addrs[0], errs[0])
	}
	return nil, fmt.Errorf("no free control API address among %s: %w", strings.Join(addrs, ", "), errors.Join(errs...))
}
