package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/rhuss/codexgate/pkg/api"
)

func TestResponseCreatorFunc(t *testing.T) {
	var got string
	fn := ResponseCreatorFunc(func(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error {
		got = req.Model
		return nil
	})

	var _ ResponseCreator = fn
	if err := fn.CreateResponse(context.Background(), &api.CreateResponseRequest{Model: "gpt-5"}, nil); err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if got != "gpt-5" {
		t.Errorf("model = %q, want %q", got, "gpt-5")
	}
}

func TestResponseCreatorFuncReturnsError(t *testing.T) {
	fn := ResponseCreatorFunc(func(ctx context.Context, req *api.CreateResponseRequest, w ResponseWriter) error {
		return api.NewServerError("boom")
	})

	err := fn.CreateResponse(context.Background(), &api.CreateResponseRequest{}, nil)
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %T, want *api.APIError", err)
	}
	if apiErr.Type != api.ErrorTypeServerError {
		t.Errorf("Type = %q, want %q", apiErr.Type, api.ErrorTypeServerError)
	}
}
