package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/linnemanlabs/sentinelvision/internal/enrich"
	"github.com/linnemanlabs/sentinelvision/internal/module"
)

// Completer sends one prompt to a language model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Configured() bool
}

const reputationSystem = `You are a threat intelligence analyst. Assess the reputation of the indicator you are given.
Answer with a single JSON object and nothing else:
{"verdict": "malicious|suspicious|benign|unknown", "confidence": 0-100, "summary": "one or two sentences", "tags": ["short", "labels"]}
Say "unknown" when you have no specific knowledge of the indicator. Do not guess.`

// ClaudeReputation asks a language model for an indicator's reputation.
type ClaudeReputation struct {
	llm Completer
}

// NewClaudeReputation creates the analyzer.
func NewClaudeReputation(llm Completer) *ClaudeReputation {
	return &ClaudeReputation{llm: llm}
}

func (a *ClaudeReputation) ID() string        { return "claude_reputation" }
func (a *ClaudeReputation) Kind() module.Kind { return module.KindAnalyzer }
func (a *ClaudeReputation) Description() string {
	return "Asks Claude for the reputation of an IP, domain, URL or file hash"
}

func (a *ClaudeReputation) SupportedTypes() []string {
	return typesWithAliases(enrich.TypeIP, enrich.TypeDomain, enrich.TypeURL, enrich.TypeMD5, enrich.TypeSHA1, enrich.TypeSHA256)
}

func (a *ClaudeReputation) ValidateConfiguration() error {
	if a.llm == nil || !a.llm.Configured() {
		return fmt.Errorf("claude_reputation: %w: no API key", module.ErrConfigurationInvalid)
	}
	return nil
}

type reputation struct {
	Verdict    string   `json:"verdict"`
	Confidence int      `json:"confidence"`
	Summary    string   `json:"summary"`
	Tags       []string `json:"tags"`
}

func (a *ClaudeReputation) Execute(ctx context.Context, ec module.ExecContext) (*module.Result, error) {
	if err := requireTarget(a.ID(), ec); err != nil {
		return nil, err
	}
	t, err := iocType(ec.Target.Type)
	if err != nil {
		return nil, err
	}
	value := enrich.NormalizeValue(t, ec.Target.Value)

	prompt := fmt.Sprintf("Indicator type: %s\nIndicator value: %s", t, value)
	if d := strings.TrimSpace(ec.Target.Description); d != "" {
		prompt += "\nAnalyst notes: " + d
	}
	ec.Logf("asking claude about %s %s", t, value)

	text, err := a.llm.Complete(ctx, reputationSystem, prompt)
	if err != nil {
		return nil, err
	}
	rep, err := parseReputation(text)
	if err != nil {
		return &module.Result{
			Status: module.StatusError,
			Error:  err.Error(),
			Output: map[string]any{"raw": text},
		}, nil
	}

	items := 0
	if rep.Verdict != VerdictUnknown {
		items = 1
	}
	return &module.Result{
		Status:  module.StatusSuccess,
		Items:   items,
		Message: fmt.Sprintf("%s (%d%%)", rep.Verdict, rep.Confidence),
		Output: map[string]any{
			"type":       string(t),
			"value":      value,
			"verdict":    rep.Verdict,
			"confidence": rep.Confidence,
			"summary":    rep.Summary,
			"tags":       rep.Tags,
		},
	}, nil
}

// parseReputation pulls the JSON object out of a model reply, tolerating
// code fences and leading prose.
func parseReputation(text string) (*reputation, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in model reply")
	}
	var rep reputation
	if err := json.Unmarshal([]byte(text[start:end+1]), &rep); err != nil {
		return nil, fmt.Errorf("decode model reply: %w", err)
	}
	rep.Verdict = strings.ToLower(strings.TrimSpace(rep.Verdict))
	if !slices.Contains([]string{VerdictMalicious, VerdictSuspicious, VerdictBenign, VerdictUnknown}, rep.Verdict) {
		return nil, fmt.Errorf("model reply has unknown verdict %q", rep.Verdict)
	}
	rep.Confidence = min(max(rep.Confidence, 0), 100)
	return &rep, nil
}
