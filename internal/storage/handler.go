package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/flowgraph/internal/expressions"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Handler reads from and writes to one storage flavor.
type Handler interface {
	Flavor() schema.NodeType
	Read(ctx context.Context, cfg map[string]any) (any, error)
	Write(ctx context.Context, cfg map[string]any, payload any) (map[string]any, error)
}

// Registry is the thread-safe flavor -> Handler lookup used by storage nodes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.NodeType]Handler),
	}
}

// Register adds a handler. Returns error on duplicate flavor.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	flavor := h.Flavor()
	if !flavor.IsStorage() {
		return schema.NewErrorf(schema.ErrCodeUnknownFlavor, "%q is not a storage flavor", flavor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[flavor]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler %q already registered", flavor)
	}
	r.handlers[flavor] = h
	return nil
}

// Get retrieves the handler for a flavor.
func (r *Registry) Get(flavor schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[flavor]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownFlavor, "Unknown input source type: %s", flavor)
	}
	return h, nil
}

// Flavors returns the registered flavors, sorted.
func (r *Registry) Flavors() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.NodeType, 0, len(r.handlers))
	for f := range r.handlers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Read dispatches a read to the flavor's handler.
func (r *Registry) Read(ctx context.Context, flavor schema.NodeType, cfg map[string]any) (any, error) {
	h, err := r.Get(flavor)
	if err != nil {
		return nil, err
	}
	return h.Read(ctx, cfg)
}

// Write dispatches a write to the flavor's handler.
func (r *Registry) Write(ctx context.Context, flavor schema.NodeType, cfg map[string]any, payload any) (map[string]any, error) {
	h, err := r.Get(flavor)
	if err != nil {
		return nil, err
	}
	return h.Write(ctx, cfg, payload)
}

// Param helpers shared by every handler.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		s = expressions.ToString(v)
	}
	if s == "" {
		return defaultVal
	}
	return s
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return defaultVal
		}
		return i
	default:
		return defaultVal
	}
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return defaultVal
	}
}

func required(flavor schema.NodeType, cfg map[string]any, keys ...string) error {
	for _, k := range keys {
		if stringParam(cfg, k, "") == "" {
			return schema.NewErrorf(schema.ErrCodeHandler, "%s is required for %s", k, flavor)
		}
	}
	return nil
}

// decodeContent returns the JSON value of content, or the text itself.
func decodeContent(content []byte) any {
	var v any
	if err := json.Unmarshal(content, &v); err == nil {
		return v
	}
	return string(content)
}

// encodePayload renders maps and lists as indented JSON and everything else as text.
func encodePayload(payload any, indent bool) ([]byte, string, error) {
	switch p := payload.(type) {
	case map[string]any, []any, []map[string]any, []string:
		var (
			b   []byte
			err error
		)
		if indent {
			b, err = json.MarshalIndent(payload, "", "  ")
		} else {
			b, err = json.Marshal(payload)
		}
		if err != nil {
			return nil, "", schema.NewErrorf(schema.ErrCodeHandler, "encode payload: %v", err)
		}
		return b, "application/json", nil
	case string:
		return []byte(p), "text/plain", nil
	default:
		return []byte(expressions.ToString(payload)), "text/plain", nil
	}
}

func handlerError(flavor schema.NodeType, op string, err error) error {
	if _, ok := schema.AsFlowError(err); ok {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeHandler, "%s %s: %v", flavor, op, err).WithCause(err)
}
