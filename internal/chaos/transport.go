// internal/chaos/transport.go
package chaos

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var ErrInjectedFault = errors.New("chaos: injected fault")

type FaultKind int

const (
	// FaultRefuse fails the request before it leaves the process, like a refused connection.
	FaultRefuse FaultKind = iota + 1
	// FaultLatency delays the request and then forwards it.
	FaultLatency
	// FaultStatus answers with Status and an error envelope without forwarding.
	FaultStatus
)

type Fault struct {
	Kind    FaultKind
	Latency time.Duration
	Status  int
}

// Transport is an http.RoundTripper with a fault switch. Install it in a
// client and flip faults on and off while the client is in use.
type Transport struct {
	next     http.RoundTripper
	fault    atomic.Pointer[Fault]
	injected atomic.Int64
}

func NewTransport(next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{next: next}
}

func (t *Transport) Inject(f Fault) {
	t.fault.Store(&f)
}

func (t *Transport) Clear() {
	t.fault.Store(nil)
}

// Injected counts the requests a fault was applied to.
func (t *Transport) Injected() int64 {
	return t.injected.Load()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	f := t.fault.Load()
	if f == nil {
		return t.next.RoundTrip(req)
	}
	t.injected.Add(1)

	switch f.Kind {
	case FaultRefuse:
		closeBody(req)
		return nil, fmt.Errorf("%w: %s %s refused", ErrInjectedFault, req.Method, req.URL.Path)
	case FaultLatency:
		timer := time.NewTimer(f.Latency)
		defer timer.Stop()
		select {
		case <-req.Context().Done():
			closeBody(req)
			return nil, req.Context().Err()
		case <-timer.C:
		}
		return t.next.RoundTrip(req)
	case FaultStatus:
		closeBody(req)
		body := `{"error":{"code":"injected_fault","message":"chaos: injected fault"}}`
		return &http.Response{
			Status:        fmt.Sprintf("%d %s", f.Status, http.StatusText(f.Status)),
			StatusCode:    f.Status,
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        http.Header{"Content-Type": []string{"application/json"}},
			Body:          io.NopCloser(strings.NewReader(body)),
			ContentLength: int64(len(body)),
			Request:       req,
		}, nil
	default:
		return t.next.RoundTrip(req)
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
