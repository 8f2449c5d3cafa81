package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xmsg"
)

// Schemes served by this package.
const (
	Scheme    = "redis"
	TLSScheme = "rediss"
)

func init() {
	for _, s := range []string{Scheme, TLSScheme} {
		if err := xmsg.RegisterScheme(s, Factory(Defaults())); err != nil {
			panic(fmt.Errorf("xmsg: failed to register scheme %q: %w", s, err))
		}
	}
}

// Factory returns a TransportFactory that overlays each URI on base.
func Factory(base Config, opts ...Option) xmsg.TransportFactory {
	return func(deps xmsg.TransportDeps) (xmsg.Transport, error) {
		all := make([]Option, 0, len(opts)+2)
		all = append(all, WithLogger(deps.Logger), WithClock(deps.Clock))
		all = append(all, opts...)
		return NewTransport(base, all...), nil
	}
}

// Use makes a bus resolve redis:// URIs with base as the starting config,
// e.g. to supply credentials that should not appear in URIs.
func Use(bb *xmsg.BusBuilder, base Config, opts ...Option) *xmsg.BusBuilder {
	f := Factory(base, opts...)
	return bb.WithScheme(Scheme, f).WithScheme(TLSScheme, f)
}

// Register installs the transport on a single adapter factory.
func Register(f *xmsg.AdapterFactory, base Config, opts ...Option) {
	fac := Factory(base, opts...)
	f.Register(Scheme, fac)
	f.Register(TLSScheme, fac)
}
