// Package reviewer implements the answer reviewer (C13): an optional LLM
// critique of the selector's draft answer, wrapped in the C4 circuit
// breaker. A reviewer never fails the overall selection — it either
// returns a verdict or is skipped.
//
// Grounded on internal/conflicts/validator.go's Validator interface and
// its Ollama/OpenAI chat-completion clients (per-call timeout distinct
// from the caller's context, NoopValidator always-available default) —
// ported near-directly since C13's "optional LLM critique, skippable,
// budget-gated" contract is the same shape, with a different prompt and
// response grammar.
package reviewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nous-run/nous/internal/breaker"
	"github.com/nous-run/nous/internal/model"
)

// Verdict is the parsed review outcome.
type Verdict struct {
	Supported   bool   // whether the draft answer is supported by the provided memories
	Explanation string
}

// Reviewer critiques a draft answer against the memories that produced it.
// Implements selector.Reviewer.
type Reviewer interface {
	Review(ctx context.Context, draftAnswer string, memories []model.Memory) error
}

// NoopReviewer always approves; used when no LLM is configured.
type NoopReviewer struct{}

func (NoopReviewer) Review(context.Context, string, []model.Memory) error { return nil }

// perCallTimeout bounds a single chat-completion call, independent of the
// caller's overall PERF_REVIEWER_BUDGET_MS context.
const perCallTimeout = 10 * time.Second

// ErrUnsupported is returned by Review when the reviewer judges the draft
// answer unsupported by the given memories.
var ErrUnsupported = fmt.Errorf("reviewer: draft answer not supported by memories")

func formatPrompt(draftAnswer string, memories []model.Memory) string {
	var b strings.Builder
	b.WriteString("You are reviewing whether a draft answer is supported by the memories that were retrieved to produce it.\n\n")
	b.WriteString("Draft answer:\n")
	b.WriteString(draftAnswer)
	b.WriteString("\n\nSupporting memories:\n")
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s\n", i+1, truncateRunes(m.Text, 500))
	}
	b.WriteString(`
Judge whether the draft answer is fully supported by the memories above —
it must not assert anything the memories do not substantiate.

VERDICT: one of [supported, unsupported]
EXPLANATION: one sentence`)
	return b.String()
}

func truncateRunes(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// parseVerdict extracts VERDICT/EXPLANATION lines from a chat response.
// A response without a supported/unsupported VERDICT line yields an error
// rather than a verdict, so Review reports it as a failed call, not as
// ErrUnsupported.
func parseVerdict(response string) (Verdict, error) {
	lines := strings.Split(strings.TrimSpace(response), "\n")
	var verdict, explanation string
	for _, line := range lines {
		trimmed := strings.TrimLeft(strings.TrimSpace(line), "*_")
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "verdict:"):
			verdict = strings.ToLower(strings.Trim(strings.TrimSpace(trimmed[len("verdict:"):]), "*_ "))
		case strings.HasPrefix(lower, "explanation:"):
			explanation = strings.TrimLeft(strings.TrimSpace(trimmed[len("explanation:"):]), "*_ ")
		}
	}
	switch verdict {
	case "supported":
		return Verdict{Supported: true, Explanation: explanation}, nil
	case "unsupported":
		return Verdict{Supported: false, Explanation: explanation}, nil
	default:
		return Verdict{}, fmt.Errorf("reviewer: no VERDICT line found in response")
	}
}

type openAIChatRequest struct {
	Model    string              `json:"model"`
	Messages []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenAIReviewer calls the OpenAI chat completions API, wrapped by a
// circuit breaker so a flaky upstream never blocks selection.
type OpenAIReviewer struct {
	apiKey     string
	model      string
	httpClient *http.Client
	br         *breaker.Breaker
}

// NewOpenAIReviewer builds an OpenAIReviewer. br must not be nil.
func NewOpenAIReviewer(apiKey, model string, br *breaker.Breaker) *OpenAIReviewer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIReviewer{
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: perCallTimeout + 5*time.Second},
		br:         br,
	}
}

// Review submits the draft answer for critique. Returns ErrUnsupported if
// the reviewer judges it unsupported, nil if supported, and the upstream
// error (wrapped) if the call failed or the breaker rejected it — callers
// treat any non-nil error as "skip, do not block the result".
func (v *OpenAIReviewer) Review(ctx context.Context, draftAnswer string, memories []model.Memory) error {
	var verdict Verdict
	err := v.br.Call(func() error {
		callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
		defer cancel()

		prompt := formatPrompt(draftAnswer, memories)
		body, err := json.Marshal(openAIChatRequest{
			Model:    v.model,
			Messages: []openAIChatMessage{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return fmt.Errorf("reviewer: marshal: %w", err)
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("reviewer: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+v.apiKey)

		resp, err := v.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("reviewer: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("reviewer: status %d: %s", resp.StatusCode, string(respBody))
		}

		var result openAIChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("reviewer: decode response: %w", err)
		}
		if len(result.Choices) == 0 {
			return fmt.Errorf("reviewer: no choices in response")
		}

		verdict, err = parseVerdict(result.Choices[0].Message.Content)
		return err
	})
	if err != nil {
		return err
	}
	if !verdict.Supported {
		return fmt.Errorf("%w: %s", ErrUnsupported, verdict.Explanation)
	}
	return nil
}
