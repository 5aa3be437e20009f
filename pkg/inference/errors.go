package inference

import "errors"

var (
	// ErrTokenizerMissing means the tokenizer definition is absent or empty
	ErrTokenizerMissing = errors.New("tokenizer missing")
	// ErrTokenizerInvalid means the tokenizer definition could not be parsed
	ErrTokenizerInvalid = errors.New("tokenizer invalid")
	// ErrModelMissing means the model file is absent or zero-length
	ErrModelMissing = errors.New("model missing")
	// ErrSessionInit wraps any failure to construct the inference session
	ErrSessionInit = errors.New("session init failed")
	// ErrInference wraps a forward-pass failure
	ErrInference = errors.New("inference failed")
	// ErrNotReady is returned by Encode, Infer and Decode outside the Ready state
	ErrNotReady = errors.New("runtime not ready")
	// ErrLoadInProgress rejects a Load while another is running
	ErrLoadInProgress = errors.New("load already in progress")
)
