package scopemesh

import (
	"fmt"
	"strings"

	"github.com/raskyld/scopemesh/pkg/wire"
)

const reservedChars = "#<,>?@"

// Signature builds the address of a method:
// `Interface#method<Param1,Param2>`.
func Signature(iface, method string, params ...string) string {
	var b strings.Builder
	b.WriteString(iface)
	b.WriteByte('#')
	b.WriteString(method)
	b.WriteByte('<')
	b.WriteString(strings.Join(params, ","))
	b.WriteByte('>')
	return b.String()
}

// DomainOf returns the part of sign before `#`. A string without `#` is
// its own domain.
func DomainOf(sign string) string {
	if idx := strings.IndexByte(sign, '#'); idx >= 0 {
		return sign[:idx]
	}
	return sign
}

// ParseSignature splits sign into its interface, method and parameters.
func ParseSignature(sign string) (iface, method string, params []string, err error) {
	hash := strings.IndexByte(sign, '#')
	open := strings.IndexByte(sign, '<')
	if hash <= 0 || open <= hash+1 || !strings.HasSuffix(sign, ">") {
		return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidSign, sign)
	}
	iface = sign[:hash]
	method = sign[hash+1 : open]
	if inner := sign[open+1 : len(sign)-1]; inner != "" {
		params = strings.Split(inner, ",")
	}
	for _, part := range append([]string{iface, method}, params...) {
		if validName(part) != nil {
			return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidSign, sign)
		}
	}
	return iface, method, params, nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, reservedChars) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// routed marks domain as only known indirectly.
func routed(domain string) string {
	return domain + string(wire.RouteMark)
}

func isRouted(domain string) bool {
	return strings.HasSuffix(domain, string(wire.RouteMark))
}

// baseDomain strips the route mark, if any.
func baseDomain(domain string) string {
	return strings.TrimSuffix(domain, string(wire.RouteMark))
}

// splitCallback splits a callback address into the origin scope and the key
// of the callback in the origin's pool.
func splitCallback(addr string) (origin, key string, ok bool) {
	return strings.Cut(addr, string(wire.CallbackSep))
}
