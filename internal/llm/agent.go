package llm

import (
	"context"
	"sort"
	"strings"

	"github.com/rendis/flowgraph/internal/expressions"
	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/pkg/schema"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 1000
)

// Agent runs one agent node through the configured provider.
type Agent struct {
	client   *Client
	config   nodes.LLMConfig
	settings schema.AgentConfig
}

// NewAgent binds node settings to a provider configuration.
func NewAgent(client *Client, config nodes.LLMConfig, settings *schema.AgentConfig) (*Agent, error) {
	if _, err := NewProvider(config, nil); err != nil {
		return nil, err
	}
	a := &Agent{client: client, config: config}
	if settings != nil {
		a.settings = *settings
	}
	return a, nil
}

// Request builds the completion request for inputs.
func (a *Agent) Request(inputs map[string]any) Request {
	model := a.settings.Model
	if model == "" {
		model = a.config.Model
	}
	if model == "" {
		model = DefaultModel(a.config.Type)
	}
	temp := defaultTemperature
	if a.settings.Temperature != nil {
		temp = *a.settings.Temperature
	}
	maxTokens := a.settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return Request{
		Model:        model,
		SystemPrompt: a.settings.SystemPrompt,
		UserMessage:  BuildUserMessage(inputs),
		Temperature:  temp,
		MaxTokens:    maxTokens,
	}
}

func (a *Agent) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	return a.client.Complete(ctx, a.config, a.Request(inputs))
}

// Factory returns a nodes.AgentFactory producing LLM agents on this client.
func (c *Client) Factory() nodes.AgentFactory {
	return func(node *schema.Node, llm *nodes.LLMConfig) (nodes.Agent, error) {
		if llm == nil {
			return nil, schema.NewError(schema.ErrCodeConfigMissing,
				"No LLM configuration found. Configure an LLM provider in settings or set OPENAI_API_KEY")
		}
		return NewAgent(c, *llm, node.AgentConfig)
	}
}

// BuildUserMessage renders inputs as the user turn. A single input is sent
// as its value; several become "key: value" lines in key order.
func BuildUserMessage(inputs map[string]any) string {
	if len(inputs) == 1 {
		for _, v := range inputs {
			return expressions.ToString(v)
		}
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+": "+expressions.ToString(inputs[k]))
	}
	return strings.Join(lines, "\n")
}

var _ nodes.Agent = (*Agent)(nil)
