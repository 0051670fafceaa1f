// Package logic decides which workflow(s) should serve a prompt.
package logic

import "strings"

// Map names the primary workflow for a request and any additional workflows
// to run alongside it.
type Map struct {
	Primary  string
	Parallel []string
}

// Options carry caller-supplied routing overrides. An explicit Map wins
// outright; an explicit Workflow fixes the primary; Exclude suppresses
// parallel additions by id.
type Options struct {
	Workflow string
	Map      *Map
	Exclude  []string
}

// marketTerms trigger a parallel news lookup for direct queries.
var marketTerms = []string{"stock", "market", "price", "share", "ticker"}

// Router is the keyword-based business-logic router.
type Router struct {
	defaultWorkflow string
}

// NewRouter creates a Router falling back to defaultWorkflow when nothing
// else applies; empty means "direct_query".
func NewRouter(defaultWorkflow string) *Router {
	defaultWorkflow = strings.TrimSpace(defaultWorkflow)
	if defaultWorkflow == "" {
		defaultWorkflow = "direct_query"
	}
	return &Router{defaultWorkflow: defaultWorkflow}
}

// DetermineWorkflow picks the primary workflow for a prompt.
func (r *Router) DetermineWorkflow(prompt string, opts Options) string {
	if wf := strings.TrimSpace(opts.Workflow); wf != "" {
		return wf
	}
	return r.defaultWorkflow
}

// WorkflowMap resolves the full workflow map for a prompt. News queries gain
// a parallel direct query for general context; market-phrased direct queries
// gain a parallel news query.
func (r *Router) WorkflowMap(prompt string, opts Options) Map {
	if opts.Map != nil {
		return *opts.Map
	}

	m := Map{Primary: r.DetermineWorkflow(prompt, opts)}
	lower := strings.ToLower(prompt)

	switch m.Primary {
	case "news_query":
		if !excluded(opts.Exclude, "direct_query") {
			m.Parallel = append(m.Parallel, "direct_query")
		}
	case "direct_query":
		if containsAny(lower, marketTerms) && !excluded(opts.Exclude, "news_query") {
			m.Parallel = append(m.Parallel, "news_query")
		}
	}
	return m
}

func excluded(exclude []string, id string) bool {
	for _, e := range exclude {
		if e == id {
			return true
		}
	}
	return false
}

func containsAny(s string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
