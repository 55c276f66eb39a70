package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"ragserver/internal/config"
	"ragserver/internal/domain"
	"ragserver/internal/registry"
)

// Verdict is a gate's judgment of the current answer.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
)

// GateTrace records the final outcome of one gate, including how many
// fix-and-retry cycles it consumed.
type GateTrace struct {
	Gate    string
	Verdict Verdict
	Retries int
	Reason  string
}

// RewriteTrace records whether one rewrite stage was applied.
type RewriteTrace struct {
	Rewrite string
	Applied bool
	Err     string
}

// Trace is the stage-by-stage log of one pipeline run.
type Trace struct {
	Gates    []GateTrace
	Rewrites []RewriteTrace
}

// Engine drives the main/gate/rewrite state machine for one request. It is
// stateless across runs; every run owns its own answer and trace, so
// concurrent requests never share mutable state through the engine.
type Engine struct {
	client domain.CompletionClient
	log    logrus.FieldLogger
}

func New(client domain.CompletionClient, log logrus.FieldLogger) *Engine {
	return &Engine{client: client, log: log}
}

// Run executes the configured pipeline: the main prompt produces an answer
// from the conversation and retrieved context; each gate judges it and may
// trigger up to max_retries fix attempts; each rewrite then transforms it
// unconditionally. A main-stage failure is fatal; gate and rewrite failures
// degrade per their fail-closed policies and never abort the request.
func (e *Engine) Run(ctx context.Context, cfg *registry.Configuration, messages []domain.Message, contextText string) (string, *Trace, error) {
	trace := &Trace{}
	def := cfg.Pipeline
	question := ""
	var history []domain.Message
	if len(messages) > 0 {
		question = messages[len(messages)-1].Content
		history = messages[:len(messages)-1]
	}

	answer, err := e.runMain(ctx, cfg, def.MainPrompt, history, question, contextText)
	if err != nil {
		return "", trace, fmt.Errorf("%w: main stage: %v", domain.ErrPipelineFatal, err)
	}

	baseVars := map[string]string{"question": question, "context": contextText}

	for _, gate := range def.GatePrompts {
		retries := 0
		var verdict Verdict
		var reason string
		for {
			verdict, reason, err = e.runGate(ctx, cfg, gate, answer, baseVars)
			if err != nil {
				return "", trace, err
			}
			if verdict == VerdictAccept {
				break
			}
			// Reject without a recovery path is terminal for this gate but
			// not for the request: carry the answer to the next stage.
			if gate.FixPrompt == nil || retries == def.MaxRetries {
				break
			}
			retries++
			fixed, fixErr := e.runFix(ctx, cfg, *gate.FixPrompt, answer, reason, baseVars)
			if fixErr != nil {
				if errors.Is(fixErr, errTemplate) {
					return "", trace, fmt.Errorf("%w: gate %s fix: %v", domain.ErrPipelineFatal, gate.Name, fixErr)
				}
				e.log.WithFields(logrus.Fields{"config": cfg.Name, "gate": gate.Name}).
					WithError(fixErr).Warn("fix prompt failed, keeping current answer")
				break
			}
			answer = fixed
		}
		trace.Gates = append(trace.Gates, GateTrace{Gate: gate.Name, Verdict: verdict, Retries: retries, Reason: reason})
	}

	for _, rw := range def.RewritePrompts {
		rewritten, rwErr := e.runRewrite(ctx, cfg, rw, answer, baseVars)
		if rwErr != nil {
			if errors.Is(rwErr, errTemplate) {
				return "", trace, fmt.Errorf("%w: rewrite %s: %v", domain.ErrPipelineFatal, rw.Name, rwErr)
			}
			e.log.WithFields(logrus.Fields{"config": cfg.Name, "rewrite": rw.Name}).
				WithError(rwErr).Warn("rewrite failed, keeping previous answer")
			trace.Rewrites = append(trace.Rewrites, RewriteTrace{Rewrite: rw.Name, Applied: false, Err: rwErr.Error()})
			continue
		}
		answer = rewritten
		trace.Rewrites = append(trace.Rewrites, RewriteTrace{Rewrite: rw.Name, Applied: true})
	}

	return answer, trace, nil
}

func (e *Engine) runMain(ctx context.Context, cfg *registry.Configuration, stage config.PromptStage, history []domain.Message, question, contextText string) (string, error) {
	userPrompt, err := renderTemplate(stage.UserPromptTemplate, map[string]string{
		"question": question,
		"context":  contextText,
	})
	if err != nil {
		return "", err
	}
	return e.complete(ctx, cfg, stage.Model, stage.SystemPrompt, userPrompt, history)
}

// runGate evaluates one gate. Completion failures and unparseable verdicts
// are fail-closed REJECTs; only a template error aborts the run.
func (e *Engine) runGate(ctx context.Context, cfg *registry.Configuration, gate config.GatePrompt, answer string, baseVars map[string]string) (Verdict, string, error) {
	userPrompt, err := renderTemplate(gate.UserPromptTemplate, withVars(baseVars, "response", answer))
	if err != nil {
		return VerdictReject, "", fmt.Errorf("%w: gate %s: %v", domain.ErrPipelineFatal, gate.Name, err)
	}
	raw, err := e.complete(ctx, cfg, gate.Model, gate.SystemPrompt, userPrompt, nil)
	if err != nil {
		e.log.WithFields(logrus.Fields{"config": cfg.Name, "gate": gate.Name}).
			WithError(err).Warn("gate check failed, treating as reject")
		return VerdictReject, "gate check failed: " + err.Error(), nil
	}
	verdict, reason := parseVerdict(raw)
	return verdict, reason, nil
}

func (e *Engine) runFix(ctx context.Context, cfg *registry.Configuration, fix config.PromptStage, answer, reason string, baseVars map[string]string) (string, error) {
	vars := withVars(baseVars, "response", answer)
	vars["reject_reason"] = reason
	userPrompt, err := renderTemplate(fix.UserPromptTemplate, vars)
	if err != nil {
		return "", err
	}
	return e.complete(ctx, cfg, fix.Model, fix.SystemPrompt, userPrompt, nil)
}

func (e *Engine) runRewrite(ctx context.Context, cfg *registry.Configuration, rw config.RewritePrompt, answer string, baseVars map[string]string) (string, error) {
	userPrompt, err := renderTemplate(rw.UserPromptTemplate, withVars(baseVars, "response", answer))
	if err != nil {
		return "", err
	}
	return e.complete(ctx, cfg, rw.Model, rw.SystemPrompt, userPrompt, nil)
}

func (e *Engine) complete(ctx context.Context, cfg *registry.Configuration, modelID, systemPrompt, userPrompt string, history []domain.Message) (string, error) {
	model, ok := cfg.Models[modelID]
	if !ok {
		return "", fmt.Errorf("model %q not found in models table", modelID)
	}
	return e.client.Complete(ctx, domain.CompletionRequest{
		SystemPrompt: systemPrompt,
		History:      history,
		UserPrompt:   userPrompt,
		Model:        model.Name,
		Temperature:  model.Temperature,
		MaxTokens:    model.MaxTokens,
	})
}

// parseVerdict reads a gate response. Anything that is not a clear PASS is
// a REJECT, so malformed model output can never wave an answer through.
func parseVerdict(raw string) (Verdict, string) {
	trimmed := strings.TrimSpace(raw)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "PASS"):
		return VerdictAccept, ""
	case strings.HasPrefix(upper, "REJECT"):
		reason := strings.TrimSpace(trimmed[len("REJECT"):])
		if reason == "" {
			reason = "no reason provided"
		}
		return VerdictReject, reason
	default:
		return VerdictReject, "unrecognized gate verdict"
	}
}

func withVars(base map[string]string, key, value string) map[string]string {
	vars := make(map[string]string, len(base)+1)
	for k, v := range base {
		vars[k] = v
	}
	vars[key] = value
	return vars
}
