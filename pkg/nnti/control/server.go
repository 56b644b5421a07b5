// Package control implements the control-plane rendezvous service
// spec.md §6 describes: a small HTTP-style request/response string
// store, keyed by URL path, used only as an out-of-band channel to
// exchange peer parameters during connect and to expose stats/peers.
package control

import (
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// ConnectHandler answers a /<prefix>/connect request: given the
// initiator's advertised parameters, it performs whatever
// provider-side accept work is needed and returns the parameters this
// side wants advertised back. It must be idempotent: seeing the same
// initiator twice produces one connection (spec.md §4.12).
type ConnectHandler func(host, port string, fields map[string]string) (response map[string]string, err error)

// DisconnectHandler answers a /<prefix>/disconnect request.
type DisconnectHandler func(host, port string, fields map[string]string) error

// Server is the control-plane rendezvous HTTP server. One is started
// per transport instance; Prefix namespaces its routes (e.g.
// "verbs", "mpi") per spec.md §6.
type Server struct {
	Prefix string

	OnConnect    ConnectHandler
	OnDisconnect DisconnectHandler

	registry *prometheus.Registry

	mu    sync.RWMutex
	peers []types.NamedPeer

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds a Server bound to listenAddr (host:port, port 0 for
// an ephemeral port) under the given route prefix and metrics registry.
func NewServer(listenAddr, prefix string, registry *prometheus.Registry) (*Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, types.NewError(types.EIO, err)
	}

	s := &Server{Prefix: prefix, registry: registry, listener: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("/"+prefix+"/connect", s.handleConnect)
	mux.HandleFunc("/"+prefix+"/disconnect", s.handleDisconnect)
	mux.HandleFunc("/"+prefix+"/stats", s.handleStats)
	mux.HandleFunc("/"+prefix+"/peers", s.handlePeers)
	if registry != nil {
		mux.Handle("/"+prefix+"/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

// Addr returns the address the server actually bound, useful when
// listenAddr requested an ephemeral port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve runs the HTTP server until Close is called. Intended to be run
// in its own goroutine.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// AddPeer records a connected peer for the /peers listing.
func (s *Server) AddPeer(p types.NamedPeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers = append(s.peers, p)
}

// RemovePeer removes a peer from the /peers listing by PID.
func (s *Server) RemovePeer(pid types.PID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.peers[:0]
	for _, p := range s.peers {
		if p.PID != pid {
			out = append(out, p)
		}
	}
	s.peers = out
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host := q.Get("host")
	port := q.Get("port")
	fields := queryToFields(q)

	if s.OnConnect == nil {
		http.Error(w, "connect not supported", http.StatusNotImplemented)
		return
	}

	resp, err := s.OnConnect(host, port, fields)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	writeKeyValueLines(w, resp)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host := q.Get("host")
	port := q.Get("port")
	fields := queryToFields(q)

	if s.OnDisconnect == nil {
		return
	}
	if err := s.OnDisconnect(host, port, fields); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, "<html><body><h1>%s stats</h1><ul>", s.Prefix)
	if s.registry != nil {
		mfs, err := s.registry.Gather()
		if err == nil {
			for _, mf := range mfs {
				for _, m := range mf.Metric {
					fmt.Fprintf(w, "<li>%s: %v</li>", mf.GetName(), m)
				}
			}
		}
	}
	fmt.Fprint(w, "</ul></body></html>")
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, "<html><body><h1>peers</h1><ul>")
	for _, p := range s.peers {
		fmt.Fprintf(w, "<li>%s: %s</li>", p.Name, p.PID.String())
	}
	fmt.Fprint(w, "</ul></body></html>")
}

func queryToFields(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, vs := range q {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func writeKeyValueLines(w http.ResponseWriter, kv map[string]string) {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(kv[k])
		b.WriteByte('\n')
	}
	_, _ = w.Write([]byte(b.String()))
}

// ParsePort is a small helper for handlers translating the "port"
// query field into a uint16.
func ParsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
