package tcp

import "strings"

// Target is a parsed dial target: scheme://authority/endpoint, scheme and
// authority optional. Adapted from the teacher's ccResolverWrapper target
// parser (chalvern-grpc-go/resolver_conn_wrapper.go's parseTarget/split2):
// that code split a gRPC dial string into scheme/authority/endpoint for a
// name resolver; here the same split feeds straight into net.Dial, since
// address resolution itself is out of scope (spec §1) and the bus dials a
// literal host:port endpoint.
type Target struct {
	Scheme    string
	Authority string
	Endpoint  string
}

// split2 returns the values from strings.SplitN(s, sep, 2), or ("", "",
// false) if sep is not found.
func split2(s, sep string) (string, string, bool) {
	spl := strings.SplitN(s, sep, 2)
	if len(spl) < 2 {
		return "", "", false
	}
	return spl[0], spl[1], true
}

// ParseTarget splits target into scheme/authority/endpoint. If target has
// no "://", the whole string is the endpoint; if it has a scheme but no "/"
// after the "://", the text after the "://" is the endpoint.
func ParseTarget(target string) Target {
	scheme, rest, ok := split2(target, "://")
	if !ok {
		return Target{Endpoint: target}
	}
	authority, endpoint, ok := split2(rest, "/")
	if !ok {
		return Target{Scheme: scheme, Endpoint: rest}
	}
	return Target{Scheme: scheme, Authority: authority, Endpoint: endpoint}
}
