package inference

import "context"

// Tensor is a dense int64 tensor
type Tensor struct {
	Shape []int64
	Data  []int64
}

// InputTensor wraps ids as a single-batch tensor of shape [1, len(ids)]
func InputTensor(ids []int64) Tensor {
	data := make([]int64, len(ids))
	copy(data, ids)
	return Tensor{Shape: []int64{1, int64(len(ids))}, Data: data}
}

// Session runs forward passes on a loaded model
type Session interface {
	// Run returns the generated token ids for input
	Run(ctx context.Context, input Tensor) ([]int64, error)
	Close() error
}

// Engine constructs sessions
type Engine interface {
	Name() string
	NewSession(ctx context.Context, model *Model, tok *Tokenizer) (Session, error)
}
