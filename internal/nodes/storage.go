package nodes

import (
	"context"
	"strings"

	"github.com/rendis/flowgraph/internal/expressions"
	"github.com/rendis/flowgraph/internal/storage"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Storage directions.
const (
	ModeRead  = "read"
	ModeWrite = "write"
)

// controlKeys steer the node and never reach a handler.
var controlKeys = map[string]bool{"mode": true, "source_type": true, "config": true}

// flavorConfigKeys are the settings each flavor understands. Missing or empty
// ones are filled from same-named execution variables.
var flavorConfigKeys = map[schema.NodeType][]string{
	schema.NodeTypeLocalFilesystem: {"file_path", "file_pattern", "encoding", "read_mode"},
	schema.NodeTypeAWSS3:           {"bucket_name", "object_key", "access_key_id", "secret_access_key", "region", "endpoint"},
	schema.NodeTypeGCPBucket:       {"bucket_name", "object_path", "credentials"},
	schema.NodeTypeGCPPubSub:       {"project_id", "topic_name", "subscription_name", "credentials"},
}

// DetectMode returns write when the config asks for it or when any data
// producing node feeds this one; read otherwise.
func DetectMode(inputConfig map[string]any, hasDataPredecessor bool) string {
	if strings.EqualFold(configMode(inputConfig), ModeWrite) || hasDataPredecessor {
		return ModeWrite
	}
	return ModeRead
}

func configMode(inputConfig map[string]any) string {
	if m, ok := inputConfig["mode"].(string); ok && m != "" {
		return m
	}
	if nested, ok := inputConfig["config"].(map[string]any); ok {
		if m, ok := nested["mode"].(string); ok {
			return m
		}
	}
	return ""
}

// ResolveConfig flattens input_config into handler settings, substitutes
// ${name} tokens from vars and fills empty settings from same-named variables.
func ResolveConfig(flavor schema.NodeType, inputConfig map[string]any, vars map[string]any) map[string]any {
	cfg := make(map[string]any, len(inputConfig))
	for k, v := range inputConfig {
		if !controlKeys[k] {
			cfg[k] = v
		}
	}
	if nested, ok := inputConfig["config"].(map[string]any); ok {
		for k, v := range nested {
			if !controlKeys[k] {
				cfg[k] = v
			}
		}
	}

	usable := make(map[string]any, len(vars))
	for k := range vars {
		if v, ok := usableVariable(vars, k); ok {
			usable[k] = v
		}
	}
	for k, v := range cfg {
		if s, ok := v.(string); ok && expressions.HasInterpolation(s) {
			cfg[k] = expressions.Interpolate(s, usable)
		}
	}

	fill := func(k string) {
		if !expressions.IsEmpty(cfg[k]) {
			return
		}
		if v, ok := usable[k]; ok {
			cfg[k] = v
		}
	}
	for k := range cfg {
		fill(k)
	}
	for _, k := range flavorConfigKeys[flavor] {
		fill(k)
	}
	return cfg
}

// usableVariable skips nil, empty strings and empty maps, which empty request
// bodies tend to produce.
func usableVariable(vars map[string]any, name string) (any, bool) {
	v, ok := vars[name]
	if !ok || v == nil {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return t, t != ""
	case map[string]any:
		return t, len(t) > 0
	}
	return v, true
}

// IsReadWrapper reports whether v has the {data, source} shape produced by reads.
func IsReadWrapper(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	_, hasData := m["data"]
	_, hasSource := m["source"]
	return m, hasData && hasSource
}

// IsStructuredRead reports whether v is a lines, batch or tail read result.
func IsStructuredRead(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m["read_mode"].(string)
	return ok
}

// WrapRead gives read results a uniform {data, source} shape. Structured read
// results already carry their own shape and pass through.
func WrapRead(flavor schema.NodeType, v any) any {
	if IsStructuredRead(v) {
		return v
	}
	if _, ok := IsReadWrapper(v); ok {
		return v
	}
	return map[string]any{"data": v, "source": string(flavor)}
}

// SelectWritePayload picks the value a write hands to its handler.
func SelectWritePayload(inputs map[string]any) (any, error) {
	if w, ok := IsReadWrapper(inputs); ok {
		return w["data"], nil
	}
	if d, ok := inputs["data"]; ok && !expressions.IsEmpty(d) {
		if w, ok := IsReadWrapper(d); ok {
			return w["data"], nil
		}
		return d, nil
	}

	filtered := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if !expressions.IsEmpty(v) {
			filtered[k] = v
		}
	}
	switch len(filtered) {
	case 0:
		return nil, schema.NewError(schema.ErrCodeNoDataToWrite, "No data to write: all inputs are empty")
	case 1:
		for _, v := range filtered {
			if w, ok := IsReadWrapper(v); ok {
				return w["data"], nil
			}
			return v, nil
		}
	}
	for _, k := range sortedKeys(filtered) {
		if s, ok := filtered[k].(string); ok && strings.HasPrefix(s, "data:image/") {
			return s, nil
		}
	}
	return filtered, nil
}

// StorageTask is one storage dispatch.
type StorageTask struct {
	Flavor             schema.NodeType
	InputConfig        map[string]any
	Inputs             map[string]any
	Variables          map[string]any
	HasDataPredecessor bool
}

// Storages runs storage nodes through the handler registry.
type Storages struct {
	registry *storage.Registry
}

// NewStorages creates the storage runtime.
func NewStorages(reg *storage.Registry) *Storages {
	return &Storages{registry: reg}
}

// Execute reads or writes depending on the detected mode.
func (s *Storages) Execute(ctx context.Context, t StorageTask) (any, error) {
	if s.registry == nil {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownFlavor, "Unknown input source type: %s", t.Flavor)
	}
	handler, err := s.registry.Get(t.Flavor)
	if err != nil {
		return nil, err
	}
	cfg := ResolveConfig(t.Flavor, t.InputConfig, t.Variables)

	if DetectMode(t.InputConfig, t.HasDataPredecessor) == ModeWrite {
		payload, err := SelectWritePayload(t.Inputs)
		if err != nil {
			return nil, err
		}
		res, err := handler.Write(ctx, cfg, payload)
		if err != nil {
			return nil, asHandlerError(err)
		}
		return res, nil
	}

	out, err := handler.Read(ctx, cfg)
	if err != nil {
		return nil, asHandlerError(err)
	}
	return WrapRead(t.Flavor, out), nil
}

func asHandlerError(err error) error {
	if fe, ok := schema.AsFlowError(err); ok {
		if fe.Code == schema.ErrCodeHandler || fe.Code == schema.ErrCodeUnknownFlavor {
			return fe
		}
	}
	return schema.NewError(schema.ErrCodeHandler, err.Error()).WithCause(err)
}
