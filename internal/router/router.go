// Package router decides which destination answers the latest user message.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/lexiqai/dispatch-gateway/internal/conversation"
	"github.com/lexiqai/dispatch-gateway/internal/prompts"
	"github.com/lexiqai/dispatch-gateway/internal/textservice"
	"github.com/lexiqai/dispatch-gateway/internal/tools"
)

const (
	// legacyDirect is accepted as an alias of Direct
	legacyDirect      = "chatbot"
	directDescription = "Responds to general questions and conversation."
)

var (
	// ErrUnroutableQuestion is returned when the classifier output names no valid destination
	ErrUnroutableQuestion = errors.New("unroutable question")

	// ErrNoUserMessage is returned when there is nothing to route
	ErrNoUserMessage = errors.New("router: history has no user message")
)

// Router classifies the latest user message into a Decision
type Router struct {
	registry    *tools.Registry
	service     textservice.Service
	labels      []string
	instruction string
	schema      *gojsonschema.Schema
	logger      zerolog.Logger
}

// New builds a router over registry. The label set is fixed at construction.
func New(registry *tools.Registry, service textservice.Service, set *prompts.Set, logger zerolog.Logger) (*Router, error) {
	for _, name := range registry.Names() {
		if strings.EqualFold(name, Direct) || strings.EqualFold(name, legacyDirect) {
			return nil, fmt.Errorf("router: tool name %q is reserved", name)
		}
	}

	labels := append(registry.Names(), Direct)

	options := make([]prompts.RouteOption, 0, len(labels))
	for _, info := range registry.List() {
		options = append(options, prompts.RouteOption{Name: info.Name, Description: info.Description})
	}
	options = append(options, prompts.RouteOption{Name: Direct, Description: directDescription})

	instruction, err := set.Router(options, Direct)
	if err != nil {
		return nil, err
	}

	schema, err := decisionSchema(labels)
	if err != nil {
		return nil, err
	}

	return &Router{
		registry:    registry,
		service:     service,
		labels:      labels,
		instruction: instruction,
		schema:      schema,
		logger:      logger.With().Str("component", "router").Logger(),
	}, nil
}

// Labels returns the closed set of destinations, tools first
func (r *Router) Labels() []string {
	return append([]string(nil), r.labels...)
}

// Decide routes the most recent user message in history
func (r *Router) Decide(ctx context.Context, history conversation.History) (Decision, error) {
	question, ok := history.LastUser()
	if !ok {
		return Decision{}, ErrNoUserMessage
	}

	raw, err := r.service.Classify(ctx, r.labels, textservice.Prompt{
		Instruction: r.instruction,
		Input:       "user question: " + question.Text,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrUnroutableQuestion, err)
	}

	decision, err := r.Parse(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("raw", raw).Msg("Classifier output rejected")
		return Decision{}, err
	}

	r.logger.Debug().Str("destination", decision.String()).Msg("Question routed")
	return decision, nil
}

// Parse validates classifier output. It accepts a JSON object with a
// destination key, optionally wrapped in a code fence, or a bare label.
func (r *Router) Parse(raw string) (Decision, error) {
	doc, err := decode(raw)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnroutableQuestion, err)
	}

	if dest, ok := doc["destination"].(string); ok {
		doc["destination"] = r.canonical(dest)
	}

	result, err := r.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnroutableQuestion, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Decision{}, fmt.Errorf("%w: %s", ErrUnroutableQuestion, strings.Join(msgs, "; "))
	}

	dest := doc["destination"].(string)
	if dest == Direct {
		return DirectAnswer(), nil
	}
	return ToolCall(dest), nil
}

// canonical maps a label onto its registered spelling, leaving unknown labels as-is
func (r *Router) canonical(label string) string {
	label = strings.Trim(strings.TrimSpace(label), "\"'`.")
	if strings.EqualFold(label, legacyDirect) {
		return Direct
	}
	for _, l := range r.labels {
		if strings.EqualFold(l, label) {
			return l
		}
	}
	return label
}

// decode extracts a JSON object from raw, falling back to a bare label
func decode(raw string) (map[string]any, error) {
	s := stripCodeFence(strings.TrimSpace(raw))
	if s == "" {
		return nil, errors.New("empty classifier output")
	}

	start, end := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		var doc map[string]any
		if err := json.Unmarshal([]byte(s[start:end+1]), &doc); err != nil {
			return nil, fmt.Errorf("decode classifier output: %w", err)
		}
		return doc, nil
	}

	if strings.ContainsAny(s, " \n\t") {
		return nil, fmt.Errorf("classifier output is not a label: %q", s)
	}
	return map[string]any{"destination": s}, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func decisionSchema(labels []string) (*gojsonschema.Schema, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"destination": map[string]any{
				"type": "string",
				"enum": labels,
			},
		},
		"required": []string{"destination"},
	}

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal decision schema: %w", err)
	}

	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("compile decision schema: %w", err)
	}
	return compiled, nil
}
