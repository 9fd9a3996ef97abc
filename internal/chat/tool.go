package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/kbchat/internal/models"
)

// Tool is one callable entry in the registry: its schema as advertised to
// the model plus the function that executes it. Call returns the string fed
// back to the model as the tool result.
type Tool struct {
	Definition llms.Tool
	Call       func(ctx context.Context, rawArgs string) (string, error)
}

// Registry is the closed set of tools the orchestrator exposes to the model.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.byName[t.Definition.Function.Name] = t
	}
	return r
}

// Definitions returns the tool schemas for the generation call.
func (r *Registry) Definitions() []llms.Tool {
	defs := make([]llms.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition)
	}
	return defs
}

// Call executes the named tool. An unknown name or a tool failure is
// reported back to the model as a result string, never as a Go error, so a
// hallucinated tool call cannot fail the turn.
func (r *Registry) Call(ctx context.Context, name, rawArgs string) string {
	t, ok := r.byName[name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", name)
	}
	result, err := t.Call(ctx, rawArgs)
	if err != nil {
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return result
}

// Searcher is the retrieval lookup kb_search wraps. *knowledge.Retriever
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, k int) []models.RetrievalResult
}

type kbSearchArgs struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

// NewKBSearchTool builds the kb_search tool over a retriever. Results are
// returned to the model as a JSON array of {type, title, url, snippet,
// mimeType?} objects.
func NewKBSearchTool(searcher Searcher) Tool {
	return Tool{
		Definition: llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "kb_search",
				Description: "Search the knowledge base for text passages and images relevant to a query. Returns a JSON list of scored results.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query.",
						},
						"k": map[string]any{
							"type":        "integer",
							"description": "Number of results to return (optional).",
						},
					},
					"required": []string{"query"},
				},
			},
		},
		Call: func(ctx context.Context, rawArgs string) (string, error) {
			var args kbSearchArgs
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if args.Query == "" {
				return "", fmt.Errorf("query must not be empty")
			}

			results := searcher.Search(ctx, args.Query, args.K)
			if len(results) == 0 {
				return "No results found in the knowledge base.", nil
			}

			payload, err := json.Marshal(results)
			if err != nil {
				return "", fmt.Errorf("encode results: %w", err)
			}
			return string(payload), nil
		},
	}
}
