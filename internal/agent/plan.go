package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// StepStatus tracks a plan or step through its lifecycle.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusApproved  StepStatus = "approved"
	StatusExecuting StepStatus = "executing"
	StatusCompleted StepStatus = "completed"
	StatusCancelled StepStatus = "cancelled"
)

// PlanStep is one ordered step of a plan.
type PlanStep struct {
	Seq         int
	Description string
	Status      StepStatus
	// Tool optionally names the capability the step expects to use.
	Tool string
}

// Plan is a structured decomposition of a complex request. It is parsed
// from a fenced "plan" code block in a completion response, mutated in
// place as steps execute, and discarded when the run ends.
type Plan struct {
	Summary string
	Steps   []PlanStep
	Status  StepStatus
}

// Approve marks the plan and all its steps approved.
func (p *Plan) Approve() {
	p.Status = StatusApproved
	for i := range p.Steps {
		p.Steps[i].Status = StatusApproved
	}
}

// Reject marks the plan cancelled.
func (p *Plan) Reject() {
	p.Status = StatusCancelled
	for i := range p.Steps {
		p.Steps[i].Status = StatusCancelled
	}
}

// Describe renders the plan for display and for confirmation prompts.
func (p *Plan) Describe() string {
	var b strings.Builder
	if p.Summary != "" {
		b.WriteString(p.Summary + "\n")
	}
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s", s.Seq, s.Description)
		if s.Tool != "" {
			fmt.Fprintf(&b, " [%s]", s.Tool)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// stepRe matches a numbered step line: "1. description" or "2) description",
// with an optional trailing "[tool_name]" marker.
var stepRe = regexp.MustCompile(`^(\d+)[.)]\s+(.+?)(?:\s+\[([a-z0-9_]+)\])?$`)

// planMarkdown parses fenced code blocks out of markdown.
var planMarkdown = goldmark.New()

// ParsePlan extracts a plan from a completion response. The plan lives
// in a fenced code block with info string "plan": an optional leading
// summary line followed by numbered steps. Responses without such a
// block — or with a block that yields no steps — return nil: prose is
// prose.
func ParsePlan(response string) *Plan {
	src := []byte(response)
	doc := planMarkdown.Parser().Parse(text.NewReader(src))

	var block string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || block != "" {
			return ast.WalkContinue, nil
		}
		fenced, ok := n.(*ast.FencedCodeBlock)
		if !ok || string(fenced.Language(src)) != "plan" {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		lines := fenced.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(src))
		}
		block = b.String()
		return ast.WalkSkipChildren, nil
	})

	if block == "" {
		return nil
	}
	return parsePlanBlock(block)
}

func parsePlanBlock(block string) *Plan {
	plan := &Plan{Status: StatusPending}

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m := stepRe.FindStringSubmatch(line)
		if m == nil {
			// First unnumbered line is the summary; later ones are noise.
			if plan.Summary == "" && len(plan.Steps) == 0 {
				plan.Summary = line
			}
			continue
		}
		seq, _ := strconv.Atoi(m[1])
		plan.Steps = append(plan.Steps, PlanStep{
			Seq:         seq,
			Description: m[2],
			Status:      StatusPending,
			Tool:        m[3],
		})
	}

	if len(plan.Steps) == 0 {
		return nil
	}
	return plan
}

// PlanPolicy decides whether a request is complex enough to plan first.
// Replaceable; the default is a heuristic, not a contract.
type PlanPolicy func(input string) bool

// complexityKeywords trigger planning regardless of input length.
var complexityKeywords = []string{
	"refactor", "implement", "migrate", "redesign", "rewrite",
	"restructure", "integrate", "overhaul",
}

var pathTokenRe = regexp.MustCompile(`[\w./-]*[/.]\w+`)

// DefaultPlanPolicy flags input as complex when it is long, contains a
// complexity keyword, or references two or more path-like tokens.
func DefaultPlanPolicy(input string) bool {
	if len(strings.Fields(input)) > 24 {
		return true
	}
	lower := strings.ToLower(input)
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	paths := map[string]bool{}
	for _, tok := range pathTokenRe.FindAllString(input, -1) {
		// Require a path separator or file extension with a non-numeric
		// suffix so plain sentences with periods don't count.
		if strings.Contains(tok, "/") || looksLikeFilename(tok) {
			paths[tok] = true
		}
	}
	return len(paths) >= 2
}

func looksLikeFilename(tok string) bool {
	i := strings.LastIndex(tok, ".")
	if i <= 0 || i == len(tok)-1 {
		return false
	}
	ext := tok[i+1:]
	for _, r := range ext {
		if r >= '0' && r <= '9' {
			return false
		}
	}
	return len(ext) <= 5
}
