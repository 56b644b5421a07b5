package core

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sandia-hpc/nnti-go/pkg/nnti/types"
)

// RendezvousGlue drives the out-of-band control-plane exchange
// spec.md §4.12 requires before first data flow: the initiator posts
// its own connection parameters to the target's control endpoint and
// gets the target's parameters back in the response, idempotently with
// respect to repeated attempts.
type RendezvousGlue struct {
	Prefix string
	Logger types.Logger

	client *http.Client

	// RetryBackoff is the base delay between connect attempts; each
	// retry doubles it, for at most RetryMax attempts. NewRendezvousGlue
	// sets 50ms and 6; Transport.Start replaces both with the configured
	// values. Zero values are used as they are, not replaced by defaults.
	RetryBackoff time.Duration
	RetryMax     int
}

// NewRendezvousGlue builds a RendezvousGlue for the given control-plane
// route prefix ("verbs", "mpi").
func NewRendezvousGlue(prefix string, logger types.Logger) *RendezvousGlue {
	return &RendezvousGlue{
		Prefix:       prefix,
		Logger:       logger,
		client:       &http.Client{Timeout: 10 * time.Second},
		RetryBackoff: 50 * time.Millisecond,
		RetryMax:     6,
	}
}

// Connect requests the target at controlAddr to accept a connection
// from local, retrying with exponential backoff while the target's
// control server isn't answering yet (e.g. it hasn't called
// Transport.Start). It returns the target's advertised parameters once
// the request succeeds.
func (g *RendezvousGlue) Connect(ctx context.Context, controlAddr string, local PeerParams) (PeerParams, error) {
	u := g.buildURL(controlAddr, "connect", local)

	var lastErr error
	backoff := g.RetryBackoff
	for attempt := 0; attempt < g.RetryMax; attempt++ {
		resp, err := g.do(ctx, u)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if g.Logger != nil {
			g.Logger.Debugf("nnti: rendezvous connect to %s attempt %d failed: %v", controlAddr, attempt, err)
		}

		select {
		case <-ctx.Done():
			return PeerParams{}, types.NewError(types.EINTR, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return PeerParams{}, types.NewError(types.ENOTCONN, fmt.Errorf("nnti: rendezvous connect to %s: %w", controlAddr, lastErr))
}

// Disconnect tells controlAddr's control server that local is tearing
// its connection down. Unlike Connect it is best-effort: a failure here
// just means the peer will notice on its own when the transport drops.
func (g *RendezvousGlue) Disconnect(ctx context.Context, controlAddr string, local PeerParams) {
	u := g.buildURL(controlAddr, "disconnect", local)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if g.Logger != nil {
			g.Logger.Debugf("nnti: rendezvous disconnect to %s: %v", controlAddr, err)
		}
		return
	}
	resp.Body.Close()
}

func (g *RendezvousGlue) buildURL(controlAddr, verb string, local PeerParams) string {
	q := url.Values{}
	q.Set("host", local.Addr)
	q.Set("port", fmt.Sprintf("%d", local.Port))
	for k, v := range local.Fields {
		q.Set(k, v)
	}
	return fmt.Sprintf("http://%s/%s/%s?%s", controlAddr, g.Prefix, verb, q.Encode())
}

func (g *RendezvousGlue) do(ctx context.Context, u string) (PeerParams, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PeerParams{}, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return PeerParams{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PeerParams{}, fmt.Errorf("nnti: rendezvous server responded %s", resp.Status)
	}

	fields := make(map[string]string)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[k] = v
	}

	params := PeerParams{Fields: fields}
	if h, ok := fields["host"]; ok {
		params.Addr = h
		params.Hostname = h
	}
	if p, ok := fields["port"]; ok {
		var port uint16
		if _, err := fmt.Sscanf(p, "%d", &port); err == nil {
			params.Port = port
		}
	}
	return params, nil
}
