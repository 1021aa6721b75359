// Package transport moves JSON-RPC requests to backend tool servers. Two
// implementations share one interface: a stdio child process speaking
// line-delimited JSON-RPC, and a streamable HTTP endpoint.
package transport

import (
	"context"

	"github.com/paygate/paygate/internal/mcp"
)

// Transport is one connection to a backend tool server. Call correlates the
// response to the request and honors the context deadline; a timeout releases
// the in-flight slot without tearing the backend down.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Call(ctx context.Context, req *mcp.Request) (*mcp.Response, error)
	Running() bool
}
