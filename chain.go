package accessip

import (
	"context"
	"net/netip"
)

// ResolverFunc is an adapter to allow the use of ordinary functions as a Resolver.
type ResolverFunc func(ctx context.Context, family Family) (netip.Addr, error)

// Resolve implements accessip.Resolver.
func (fn ResolverFunc) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	return fn(ctx, family)
}

// Chain returns a resolver that asks each resolver in turn and returns the first address found.
// Resolvers are never queried concurrently;
// the order given is the order of precedence.
func Chain(resolvers ...Resolver) Resolver {
	return chain(resolvers)
}

type chain []Resolver

func (c chain) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	var errs []error
	for _, r := range c {
		addr, err := r.Resolve(ctx, family)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return netip.Addr{}, &ResolutionError{Family: family, Errs: errs}
}

// eachResolver calls fn for r, or for every member if r is a chain.
func eachResolver(r Resolver, fn func(Resolver)) {
	if c, ok := r.(chain); ok {
		for _, m := range c {
			eachResolver(m, fn)
		}
		return
	}
	fn(r)
}
