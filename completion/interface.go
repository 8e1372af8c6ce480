package completion

import "context"

// Service is the model provider contract: one expensive generation call.
type Service interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}
