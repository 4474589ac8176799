// Package engine implements the recursion engine (§4.F): the turn-scoped
// driver loop that builds prompts, requests LM completions from the router,
// extracts and executes REPL code blocks, detects FINAL, compacts history,
// and finalizes a turn's answer.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"rlm/internal/llm"
	"rlm/internal/observability"
	"rlm/internal/parsing"
	"rlm/internal/proto"
	"rlm/internal/repl"
)

// defaultMaxIterations bounds a turn when the caller does not configure one.
const defaultMaxIterations = 20

// defaultCompactionRatio is the fraction of the context window that triggers
// compaction (§4.F).
const defaultCompactionRatio = 0.75

// defaultErrorCeiling is how many consecutive iteration-level LM errors a
// turn tolerates before aborting (§4.F failure modes).
const defaultErrorCeiling = 3

// defaultKeepLastIterations is how many trailing iterations survive
// compaction verbatim.
const defaultKeepLastIterations = 2

// Engine drives one turn's state machine: Start → Iterating(i) → FinalPending
// → Done | Exhausted.
type Engine struct {
	// Router dispatches llm_query calls issued from the REPL and the
	// engine's own root/compaction completions.
	Router repl.RouterClient

	MaxIterations int

	// CompactionThresholdRatio overrides the default 0.75 × context-window
	// compaction trigger.
	CompactionThresholdRatio float64
	// ContextWindowTokens overrides the model-derived context window used
	// to compute the compaction threshold.
	ContextWindowTokens int
	// Tokenizer provides accurate token counting; nil falls back to the
	// chars/4 heuristic, matching the source project's own fallback policy.
	Tokenizer llm.Tokenizer

	// WorkspaceRoot and CustomToolNames parameterize the root system
	// prompt (§4.H).
	WorkspaceRoot   string
	CustomToolNames []string

	// Model names the backend the root and compaction calls should prefer;
	// empty defers to the router's default-backend resolution.
	Model string

	// OnIteration, if set, is invoked after each iteration is appended to
	// the session's history.
	OnIteration func(proto.Iteration)
}

// Result is the aggregate answer the gateway's complete tool and any other
// caller observe at the end of a turn.
type Result struct {
	Answer     string
	Iterations int
	Usage      proto.UsageTotals
	Exhausted  bool
}

// exhaustedAnswer is emitted when a turn reaches max_iterations without a
// FINAL/FINAL_VAR call (§4.F Exhausted state).
const exhaustedAnswer = "(no final answer — the iteration cap was reached before FINAL was called)"

// Run executes one turn against sess, which owns the iteration history and
// usage counters and may already carry iterations from a prior call (resuming
// a turn picks up where sess.History left off). contextValue is bound into
// the REPL namespace as `context`; customTools are additional callables the
// retrieval gateway registers (file/search tools, etc).
func (e *Engine) Run(ctx context.Context, sess *proto.Session, contextValue starlark.Value, customTools starlark.StringDict) (Result, error) {
	logger := observability.LoggerWithTrace(ctx)

	maxIter := e.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	env := repl.NewEnv(e.Router, sess.ID, sess.Depth+1)
	env.Setup(contextValue, customTools)

	systemPrompt := parsing.BuildSystemPrompt(parsing.SystemPromptParams{
		WorkspaceRoot: e.WorkspaceRoot,
		CustomTools:   e.customToolNames(customTools),
	})

	errorCount := 0

	for i := len(sess.History); i < maxIter; i++ {
		if ctx.Err() != nil {
			logger.Info().Str("scope_id", sess.ID).Msg("engine_turn_cancelled")
			return e.bestSoFar(sess), nil
		}

		e.maybeCompact(ctx, sess, systemPrompt)

		prompt := e.buildIterationPrompt(systemPrompt, sess, env)
		resp, err := e.completeWithRetry(ctx, sess, prompt)
		if err != nil {
			return Result{}, fmt.Errorf("engine: root completion failed after retries: %w", err)
		}

		iter := proto.Iteration{Index: i, PromptFingerprint: fingerprint(prompt)}

		if resp.IsError() {
			logger.Warn().Str("error_kind", resp.ErrorKind).Str("message", resp.Message).Msg("engine_iteration_lm_error")
			sess.History = append(sess.History, iter)
			if e.OnIteration != nil {
				e.OnIteration(iter)
			}
			switch resp.ErrorKind {
			case "BudgetExceeded", "ResolutionFailure", "InvariantViolation":
				// §7: these propagate straight to the turn boundary rather
				// than being retried — the turn ends here with the
				// default-exhaustion aggregate, not a Go error.
				logger.Info().Str("scope_id", sess.ID).Str("error_kind", resp.ErrorKind).Msg("engine_turn_terminated_by_error")
				return e.exhausted(sess), nil
			}
			errorCount++
			if errorCount > defaultErrorCeiling {
				return Result{}, fmt.Errorf("engine: aborting after %d consecutive LM errors: %s", errorCount, resp.Message)
			}
			continue
		}
		errorCount = 0

		output := resp.ChatCompletion.Text
		sess.Usage.Add(resp.ChatCompletion.Usage)
		iter.LMOutput = output

		blocks := parsing.ExtractCodeBlocks(output)
		for _, block := range blocks {
			replResult, pendingFinal := env.Execute(ctx, block.Code)
			iter.CodeBlocks = append(iter.CodeBlocks, proto.CodeBlockResult{Code: block.Code, Result: replResult})
			for _, usage := range replResult.SubCallUsage {
				sess.Usage.Add(usage)
			}
			if pendingFinal != nil {
				iter.FinalAnswer = pendingFinal
			}
		}

		if iter.FinalAnswer == nil {
			iter.FinalAnswer = e.detectTextualFinal(output, env)
		}

		sess.History = append(sess.History, iter)
		if e.OnIteration != nil {
			e.OnIteration(iter)
		}

		if iter.FinalAnswer != nil {
			logger.Info().Str("scope_id", sess.ID).Int("iterations", len(sess.History)).Msg("engine_final_pending")
			return e.finalPending(sess, *iter.FinalAnswer), nil
		}

		if i+1 >= maxIter {
			break
		}
	}

	logger.Info().Str("scope_id", sess.ID).Int("iterations", len(sess.History)).Msg("engine_exhausted")
	return e.exhausted(sess), nil
}

// detectTextualFinal implements the FINAL back-compatibility path (§4.C):
// when the model writes FINAL(...)/FINAL_VAR(...) as a top-level statement
// rather than calling the REPL builtin, the parser extracts it directly.
func (e *Engine) detectTextualFinal(output string, env *repl.Env) *string {
	if value, ok := parsing.DetectFinal(output); ok {
		unquoted := unquoteLiteral(value)
		return &unquoted
	}
	if arg, ok := parsing.DetectFinalVar(output); ok {
		name := unquoteLiteral(arg)
		if v, ok := env.BoundVariables()[name]; ok {
			return &v
		}
	}
	return nil
}

// unquoteLiteral strips a single layer of matching quotes from a Starlark
// string literal captured by the textual FINAL parser; non-literal
// expressions (e.g. FINAL(x + 1)) are returned verbatim.
func unquoteLiteral(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// bestSoFar implements the cancellation policy (§5): the most recent
// non-empty final answer, or the default exhaustion message.
func (e *Engine) bestSoFar(sess *proto.Session) Result {
	for i := len(sess.History) - 1; i >= 0; i-- {
		if sess.History[i].FinalAnswer != nil {
			return Result{Answer: *sess.History[i].FinalAnswer, Iterations: len(sess.History), Usage: sess.Usage}
		}
	}
	return Result{Answer: exhaustedAnswer, Iterations: len(sess.History), Usage: sess.Usage, Exhausted: true}
}

func (e *Engine) finalPending(sess *proto.Session, answer string) Result {
	return Result{Answer: answer, Iterations: len(sess.History), Usage: sess.Usage}
}

func (e *Engine) exhausted(sess *proto.Session) Result {
	return Result{Answer: exhaustedAnswer, Iterations: len(sess.History), Usage: sess.Usage, Exhausted: true}
}

// customToolNames extracts the names the system prompt should advertise from
// the Starlark builtins the gateway registered.
func (e *Engine) customToolNames(customTools starlark.StringDict) []string {
	if len(e.CustomToolNames) > 0 {
		return e.CustomToolNames
	}
	names := make([]string, 0, len(customTools))
	for name := range customTools {
		names = append(names, name)
	}
	return names
}

// buildIterationPrompt assembles the running system prompt, any compaction
// summary, the root user prompt, the verbatim history of prior LM outputs
// and their pretty-printed REPL results, and a compact dump of the current
// bound variables (§4.F "Prompt composition").
func (e *Engine) buildIterationPrompt(systemPrompt string, sess *proto.Session, env *repl.Env) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\nUser request:\n")
	b.WriteString(sess.RootPrompt)
	b.WriteString("\n")

	if sess.CompactionSummary != "" {
		b.WriteString("\nSummary of earlier progress (older iterations were compacted out):\n")
		b.WriteString(sess.CompactionSummary)
		b.WriteString("\n")
	}

	for _, iter := range sess.History {
		fmt.Fprintf(&b, "\n--- Iteration %d ---\n", iter.Index)
		b.WriteString(iter.LMOutput)
		if !strings.HasSuffix(iter.LMOutput, "\n") {
			b.WriteByte('\n')
		}
		for _, cb := range iter.CodeBlocks {
			b.WriteString(parsing.FormatExecutionResult(parsing.ExecutionResult{
				Code:   cb.Code,
				Stdout: cb.Result.Stdout,
				Stderr: cb.Result.Stderr,
				Error:  cb.Result.Error,
			}))
		}
	}

	if vars := parsing.FormatBoundVariables(env.BoundVariables()); vars != "" {
		b.WriteString("\n")
		b.WriteString(vars)
	}

	b.WriteString("\nContinue. Write your next ```repl``` code block, or call FINAL/FINAL_VAR when you have the answer.\n")
	return b.String()
}

// maybeCompact implements §4.F's compaction: when the estimated token count
// of the accumulated conversation crosses the configured threshold, it
// replaces the middle of the history with a summarization sub-call's output,
// retaining the root prompt and the last defaultKeepLastIterations verbatim.
// The compaction request is itself a router call, counted against the
// sub-call budget, per spec.
func (e *Engine) maybeCompact(ctx context.Context, sess *proto.Session, systemPrompt string) {
	if len(sess.History) <= defaultKeepLastIterations {
		return
	}

	ratio := e.CompactionThresholdRatio
	if ratio <= 0 {
		ratio = defaultCompactionRatio
	}
	ctxSize := e.ContextWindowTokens
	if ctxSize <= 0 {
		if sz, known := llm.ContextSize(e.Model); known && sz > 0 {
			ctxSize = sz
		}
	}
	if ctxSize <= 0 {
		ctxSize = 128_000
	}
	threshold := int(float64(ctxSize) * ratio)

	estimate := e.countTokens(ctx, systemPrompt) + e.countTokens(ctx, sess.RootPrompt) + e.countTokens(ctx, sess.CompactionSummary)
	for _, iter := range sess.History {
		estimate += e.countTokens(ctx, iter.LMOutput)
		for _, cb := range iter.CodeBlocks {
			estimate += e.countTokens(ctx, cb.Result.Stdout) + e.countTokens(ctx, cb.Result.Stderr)
		}
	}
	if estimate <= threshold {
		return
	}

	logger := observability.LoggerWithTrace(ctx)
	cut := len(sess.History) - defaultKeepLastIterations
	toSummarize := sess.History[:cut]
	kept := sess.History[cut:]

	var b strings.Builder
	if sess.CompactionSummary != "" {
		b.WriteString(sess.CompactionSummary)
		b.WriteString("\n")
	}
	for _, iter := range toSummarize {
		fmt.Fprintf(&b, "Iteration %d output:\n%s\n", iter.Index, iter.LMOutput)
	}

	summaryReq := proto.LMRequest{
		Prompt:  "Summarize the following recursive-inference progress log in under 300 characters, keeping facts and discarding chit-chat:\n\n" + b.String(),
		ScopeID: sess.ID,
		Depth:   sess.Depth + 1,
	}
	resp, err := e.Router.CompleteSingle(ctx, summaryReq)
	if err != nil || resp.IsError() {
		logger.Warn().Err(err).Msg("engine_compaction_summary_failed")
		return
	}
	sess.Usage.Add(resp.ChatCompletion.Usage)

	sess.CompactionSummary = strings.TrimSpace(resp.ChatCompletion.Text)
	for i := range kept {
		kept[i].Compacted = false
	}
	sess.History = kept
	logger.Info().Int("summarized_iterations", len(toSummarize)).Int("kept_iterations", len(kept)).Msg("engine_history_compacted")
}

// completeWithRetry issues the root completion request, retrying transient
// transport errors (err != nil, as opposed to a well-formed LMResponse.error)
// with exponential backoff, per §4.F failure modes.
func (e *Engine) completeWithRetry(ctx context.Context, sess *proto.Session, prompt string) (proto.LMResponse, error) {
	const maxAttempts = 3
	delay := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req := proto.LMRequest{
			Prompt:  prompt,
			ScopeID: sess.ID,
			Depth:   sess.Depth,
		}
		if e.Model != "" {
			req.ModelPreferences = proto.ModelPreferences{Model: e.Model}
		}
		resp, err := e.Router.CompleteSingle(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return proto.LMResponse{}, ctx.Err()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return proto.LMResponse{}, ctx.Err()
		}
		delay *= 2
	}
	return proto.LMResponse{}, lastErr
}

// countTokens estimates text's token count using Tokenizer when available,
// falling back to the chars/4 heuristic on error or absence.
func (e *Engine) countTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}
	if e.Tokenizer == nil {
		return llm.EstimateTokens(text)
	}
	count, err := e.Tokenizer.CountTokens(ctx, text)
	if err != nil {
		return llm.EstimateTokens(text)
	}
	return count
}

// fingerprint returns a stable short hash of prompt for the iteration
// record, mirroring the source project's token-cache hashing convention.
func fingerprint(prompt string) string {
	h := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(h[:16])
}
