package zoneplayer

import (
	"context"
	"net"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
)

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// resolveIPv4 turns host into a dotted IPv4 address. Zone players answer
// 400 when the Host header is not their own address, so names and IPv6
// results cannot be used.
func resolveIPv4(ctx context.Context, resolver Resolver, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return "", &apperrors.ResolutionError{Host: host}
	}

	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", &apperrors.ResolutionError{Host: host, Err: err}
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", &apperrors.ResolutionError{Host: host}
}
