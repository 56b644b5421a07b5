package types

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// QueryParam is one key=value pair from a URL's query string. URL keeps
// these as an insertion-ordered slice rather than a map, since the
// protocol parameters the rendezvous glue carries (queue numbers, LID,
// GID, ...) are order-sensitive for logging and replay.
type QueryParam struct {
	Key   string
	Value string
}

// URL is the parsed form of "scheme://host:port[/path][?k=v&k=v...]"
// used throughout NNTI to name a peer or a control-plane endpoint.
type URL struct {
	raw    string
	Scheme string
	Host   string
	Port   uint16
	hasPort bool
	Path   string
	Query  []QueryParam
}

// hostnameMutex serializes DNS resolution the same way
// original_source/src/nnti/nnti_url.hpp guards gethostbyname with
// hostent_mutex_: libc resolvers are not reentrant on every platform,
// and lookups happen on the connect() path, not the hot path.
var hostnameMutex sync.Mutex

// ParseURL parses a URL of the form "scheme://host[:port][/path][?k=v&...]".
func ParseURL(s string) (*URL, error) {
	if s == "" {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: empty url"))
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: malformed url %q: %w", s, err))
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: url %q missing scheme or host", s))
	}

	host := u.Hostname()
	if host == "" {
		return nil, NewError(EINVAL, fmt.Errorf("nnti: url %q has empty host", s))
	}

	result := &URL{
		raw:    s,
		Scheme: u.Scheme,
		Host:   host,
		Path:   u.Path,
	}

	if portStr := u.Port(); portStr != "" {
		port, perr := strconv.ParseUint(portStr, 10, 32)
		if perr != nil || port >= 65536 {
			return nil, NewError(EINVAL, fmt.Errorf("nnti: url %q has out-of-range port %q", s, portStr))
		}
		result.Port = uint16(port)
		result.hasPort = true
	}

	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, kerr := url.QueryUnescape(k)
		val, verr := url.QueryUnescape(v)
		if kerr != nil || verr != nil {
			continue
		}
		result.Query = append(result.Query, QueryParam{Key: key, Value: val})
	}

	return result, nil
}

// HasPort reports whether the URL explicitly specified a port.
func (u *URL) HasPort() bool {
	return u.hasPort
}

// Raw returns the original, unparsed URL string.
func (u *URL) Raw() string {
	return u.raw
}

// Get returns the first query value for key, and whether it was present.
func (u *URL) Get(key string) (string, bool) {
	for _, q := range u.Query {
		if q.Key == key {
			return q.Value, true
		}
	}
	return "", false
}

// ToPID resolves the host (blocking DNS permitted) and packs the result
// into a PID, per spec.md §4.1. Resolution failures, and hosts with no
// IPv4 address, are reported as ENOENT; an IPv6 literal host fails in
// NewPID. "localhost" returns PIDLocalhost without resolving.
func (u *URL) ToPID() (PID, error) {
	if strings.EqualFold(u.Host, "localhost") {
		return PIDLocalhost, nil
	}

	ip := net.ParseIP(u.Host)
	if ip == nil {
		hostnameMutex.Lock()
		addrs, err := net.LookupIP(u.Host)
		hostnameMutex.Unlock()
		if err != nil || len(addrs) == 0 {
			return PIDUnspecified, NewError(ENOENT, fmt.Errorf("nnti: cannot resolve host %q: %w", u.Host, err))
		}
		for _, a := range addrs {
			if v4 := a.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return PIDUnspecified, NewError(ENOENT, fmt.Errorf("nnti: host %q has no IPv4 address", u.Host))
		}
	}

	return NewPID(ip, u.Port)
}

// NamedPeer pairs a human-readable label with a PID, as faodel's
// NameAndNode does (original_source/src/faodel-common/NodeID.hh) for
// the control-plane /peers listing.
type NamedPeer struct {
	Name string
	PID  PID
}
