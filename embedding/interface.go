package embedding

import "context"

// Service converts text into a fixed-dimension embedding vector.
type Service interface {
	Get(ctx context.Context, text string) ([]float32, error)
}
