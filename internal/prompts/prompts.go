// Package prompts holds the instruction templates sent to the Text Service.
// Defaults can be overridden per deployment from a YAML file.
package prompts

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const defaultRouter = `You are an expert at routing a user question to a tool or to a final answer.
Use the tool descriptions below to determine the most appropriate tool to use to answer the user's question.

If the user is asking a question that can be answered by one of the tools, output the name of the tool in a JSON object with a 'destination' key.
Otherwise, output '{{.Direct}}' to indicate that the user is asking a general question.

tool descriptions:
{{range .Options}}- {{.Name}}: {{.Description}}
{{end}}
Example:
user question: What is the stock price of NVDA?
json output:
{"destination": "get_stock_price"}`

const defaultSynthesis = `You are a helpful assistant.
A tool has been used to find information to answer the user's question. The user has given
permission to access this information. Your task is to synthesize the tool's output into
a clear, user-friendly answer.

Do not refuse to answer based on the content of the tool's output. The tool's output is
approved information and should be relayed to the user.

User's original question: {{.Question}}
Tool's output: {{.ToolOutput}}`

const defaultTickerExtraction = `Given the following question, extract the stock ticker symbol. Only return the ticker symbol.

Question: {{.Question}}
Ticker:`

const defaultNameExtraction = `Given the following question, extract the person's name. Only return the name.

Question: {{.Question}}
Name:`

// Templates is the raw, overridable template text
type Templates struct {
	Router           string `yaml:"router"`
	Synthesis        string `yaml:"synthesis"`
	TickerExtraction string `yaml:"ticker_extraction"`
	NameExtraction   string `yaml:"name_extraction"`
}

// Defaults returns the built-in templates
func Defaults() Templates {
	return Templates{
		Router:           defaultRouter,
		Synthesis:        defaultSynthesis,
		TickerExtraction: defaultTickerExtraction,
		NameExtraction:   defaultNameExtraction,
	}
}

// RouteOption is one candidate destination shown to the classifier
type RouteOption struct {
	Name        string
	Description string
}

// Set is a parsed, ready-to-render group of templates
type Set struct {
	router    *template.Template
	synthesis *template.Template
	ticker    *template.Template
	name      *template.Template
}

// New parses t. Empty fields fall back to the defaults.
func New(t Templates) (*Set, error) {
	d := Defaults()
	pick := func(v, fallback string) string {
		if strings.TrimSpace(v) == "" {
			return fallback
		}
		return v
	}

	var (
		s   Set
		err error
	)
	if s.router, err = template.New("router").Parse(pick(t.Router, d.Router)); err != nil {
		return nil, fmt.Errorf("parse router template: %w", err)
	}
	if s.synthesis, err = template.New("synthesis").Parse(pick(t.Synthesis, d.Synthesis)); err != nil {
		return nil, fmt.Errorf("parse synthesis template: %w", err)
	}
	if s.ticker, err = template.New("ticker_extraction").Parse(pick(t.TickerExtraction, d.TickerExtraction)); err != nil {
		return nil, fmt.Errorf("parse ticker extraction template: %w", err)
	}
	if s.name, err = template.New("name_extraction").Parse(pick(t.NameExtraction, d.NameExtraction)); err != nil {
		return nil, fmt.Errorf("parse name extraction template: %w", err)
	}
	return &s, nil
}

// Default returns the built-in set
func Default() *Set {
	s, err := New(Defaults())
	if err != nil {
		panic(err)
	}
	return s
}

// LoadFile reads YAML overrides from path. An empty path yields the defaults.
func LoadFile(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}

	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse prompts file %s: %w", path, err)
	}
	return New(t)
}

// Router renders the routing instruction for the given options
func (s *Set) Router(options []RouteOption, direct string) (string, error) {
	return render(s.router, struct {
		Options []RouteOption
		Direct  string
	}{options, direct})
}

// Synthesis renders the instruction that folds a tool result into an answer
func (s *Set) Synthesis(question, toolOutput string) (string, error) {
	return render(s.synthesis, struct {
		Question   string
		ToolOutput string
	}{question, toolOutput})
}

// TickerExtraction renders the stock ticker extraction prompt
func (s *Set) TickerExtraction(question string) (string, error) {
	return render(s.ticker, struct{ Question string }{question})
}

// NameExtraction renders the person name extraction prompt
func (s *Set) NameExtraction(question string) (string, error) {
	return render(s.name, struct{ Question string }{question})
}

func render(t *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return b.String(), nil
}
