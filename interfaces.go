package tsugi

import (
	"context"
	"errors"
	"net/http"
)

// ErrArtifactNotFound must be returned by ArtifactBackend.Get for a missing key.
var ErrArtifactNotFound = errors.New("tsugi: artifact not found")

// Worker executes delegated jobs of one mode. Run returns the job output;
// a non-nil error fails the job with the error text. ctx is cancelled when
// the job is cancelled or its timeout elapses.
type Worker interface {
	Run(ctx context.Context, job Job) (string, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, job Job) (string, error)

// Run calls f.
func (f WorkerFunc) Run(ctx context.Context, job Job) (string, error) {
	return f(ctx, job)
}

// ChatModel invokes a chat model. When provided via WithChatModel, it replaces
// the OpenAI-compatible client built from TSUGI_LLM_* settings for both the
// supervisor loop and the agent worker.
type ChatModel interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ArtifactBackend stores offloaded tool-output blobs. When provided via
// WithArtifactBackend, it replaces the file or S3 backend selected by config.
// Keys are slash-separated relative paths.
type ArtifactBackend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Middleware wraps the root HTTP handler. Applied outermost, so it sees all
// requests including /health. The first-registered middleware is outermost.
type Middleware func(http.Handler) http.Handler
