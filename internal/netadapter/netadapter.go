// Package netadapter implements the broker's network adapter (spec C3):
// forwarding outbound HTTP calls to the remote storage service through a
// cooperating auxiliary process, since the broker's own process is
// sandboxed against originating requests directly.
package netadapter

import (
	"context"
	"encoding/json"

	"github.com/privatedatabroker/pdb/internal/brokererr"
)

// Method is one of the three HTTP verbs the call envelope carries.
type Method string

const (
	GET    Method = "GET"
	POST   Method = "POST"
	DELETE Method = "DELETE"
)

// Adapter is the contract spec §4.3 describes. Call forwards one request
// across the process boundary and returns the parsed JSON response body,
// or a brokererr with kind Timeout / AdapterUnavailable / UpstreamFailure.
type Adapter interface {
	Call(ctx context.Context, endpoint string, method Method, body any) (json.RawMessage, error)
	Close() error
}

// httpStatusError is what the auxiliary reports for a non-2xx response; the
// adapter maps it to UpstreamFailure rather than surfacing raw HTTP
// semantics to callers.
type httpStatusError struct {
	Status    int    `json:"status"`
	ErrorText string `json:"errorText"`
}

func upstreamError(status int, text string) error {
	return brokererr.Upstream("remote service returned %d: %s", status, text)
}
