package transport

import (
	"context"

	"github.com/rhuss/codexgate/pkg/api"
)

// ResponseCreator handles the create-response operation. The implementation
// receives a request and writes the result (streaming events or a complete
// response) to the ResponseWriter.
//
// An error returned before anything was written is rendered by the transport
// as a JSON error body. Once streaming has started the creator owns the
// terminal events; a returned error then only signals that the stream ended
// abnormally.
type ResponseCreator interface {
	CreateResponse(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error
}

// ResponseCreatorFunc is an adapter that allows using an ordinary function
// as a ResponseCreator.
type ResponseCreatorFunc func(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error

// CreateResponse calls f(ctx, req, w).
func (f ResponseCreatorFunc) CreateResponse(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error {
	return f(ctx, req, w)
}

// ModelLister reports the models the worker advertises.
type ModelLister interface {
	Models(ctx context.Context) ([]api.Model, error)
}

// ReadinessChecker reports whether the gateway can accept turns.
type ReadinessChecker interface {
	Ready() bool
}

// ResponseWriter abstracts streaming and non-streaming output for the handler.
// The transport layer creates a ResponseWriter for each request.
//
// WriteEvent and WriteResponse are mutually exclusive on a single writer
// instance. After the done event no further events are accepted.
type ResponseWriter interface {
	// WriteEvent sends a single streaming event. Returns an error if called
	// after the done event or after WriteResponse.
	WriteEvent(ctx context.Context, event api.StreamEvent) error

	// WriteResponse sends a complete non-streaming response. Returns an error
	// if called after WriteEvent was called on this writer.
	WriteResponse(ctx context.Context, resp *api.Response) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}
