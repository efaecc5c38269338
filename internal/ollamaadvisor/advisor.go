// Package ollamaadvisor asks a model served by Ollama which recovery action to
// take after a plan step fails.
package ollamaadvisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/contenox/planengine/libroutine"
	"github.com/contenox/planengine/libtracker"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planstore"
	"github.com/ollama/ollama/api"
)

const (
	DefaultTimeout      = 30 * time.Second
	defaultThreshold    = 3
	defaultResetTimeout = time.Minute
)

const systemPrompt = `You decide how an automated plan recovers from a failed step.
Answer with one JSON object and nothing else:
{"action": "retry"|"skip"|"abort"|"ask_user"|"rollback",
 "reasoning": string, "confidence": number between 0 and 1,
 "modifiedParams": object (retry only, optional),
 "message": string (ask_user only, shown to the user),
 "suggestRollback": boolean (ask_user only),
 "reason": string (abort only),
 "stepIds": [string] (rollback only, empty for every completed step)}
Prefer retry for temporary errors, skip for optional steps nothing depends on,
and ask_user when unsure. Never retry once retryCount reaches maxRetries.`

// actionSchema is passed as the structured output format.
var actionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["retry", "skip", "abort", "ask_user", "rollback"]},
    "reasoning": {"type": "string"},
    "confidence": {"type": "number"},
    "modifiedParams": {"type": "object"},
    "message": {"type": "string"},
    "suggestRollback": {"type": "boolean"},
    "reason": {"type": "string"},
    "stepIds": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["action", "reasoning", "confidence"]
}`)

type Advisor struct {
	client     *api.Client
	baseURL    *url.URL
	httpClient *http.Client
	model      string
	timeout    time.Duration
	breaker    *libroutine.Routine
	tracker    libtracker.ActivityTracker
}

var _ planrecovery.Advisor = (*Advisor)(nil)

type Option func(*Advisor)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Advisor) {
		a.httpClient = c
	}
}

func WithTimeout(d time.Duration) Option {
	return func(a *Advisor) {
		a.timeout = d
	}
}

func WithBreaker(r *libroutine.Routine) Option {
	return func(a *Advisor) {
		a.breaker = r
	}
}

func WithTracker(t libtracker.ActivityTracker) Option {
	return func(a *Advisor) {
		a.tracker = t
	}
}

// New returns an Advisor talking to the Ollama server at baseURL.
func New(baseURL, model string, opts ...Option) (*Advisor, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}
	if model == "" {
		return nil, errors.New("ollama model is required")
	}
	a := &Advisor{
		baseURL:    u,
		httpClient: http.DefaultClient,
		model:      model,
		timeout:    DefaultTimeout,
		breaker:    libroutine.NewRoutine(defaultThreshold, defaultResetTimeout),
		tracker:    libtracker.NoopTracker{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.client = api.NewClient(a.baseURL, a.httpClient)
	return a, nil
}

// stepView is what the model sees of a step.
type stepView struct {
	ID           string         `json:"id"`
	Index        int            `json:"index"`
	Tool         string         `json:"tool"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	DependsOn    []int          `json:"dependsOn,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	Error        string         `json:"error,omitempty"`
	CanRollback  bool           `json:"canRollback"`
	NeedApproval bool           `json:"requiresApproval,omitempty"`
}

type promptView struct {
	Goal       string     `json:"goal"`
	Steps      []stepView `json:"steps"`
	FailedStep int        `json:"failedStep"`
	Error      string     `json:"error"`
	ErrorType  string     `json:"errorType"`
	RetryCount int        `json:"retryCount"`
	MaxRetries int        `json:"maxRetries"`
}

func buildPrompt(req planrecovery.AdvisorRequest) (string, error) {
	view := promptView{
		Error:      req.Failure.Error,
		ErrorType:  string(req.Failure.Type),
		RetryCount: req.RetryCount,
		MaxRetries: req.MaxRetries,
		FailedStep: -1,
	}
	if req.Failure.Step != nil {
		view.FailedStep = req.Failure.Step.Index
	}
	if req.Plan != nil {
		view.Goal = req.Plan.Goal
		for _, s := range req.Plan.Steps {
			view.Steps = append(view.Steps, viewStep(s))
		}
	}
	raw, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode recovery prompt: %w", err)
	}
	return string(raw), nil
}

func viewStep(s *planstore.Step) stepView {
	return stepView{
		ID:           s.ID,
		Index:        s.Index,
		Tool:         s.ToolName,
		Description:  s.Description,
		Status:       string(s.Status),
		DependsOn:    s.DependencyIndices,
		Params:       s.Params,
		Error:        s.Error,
		CanRollback:  s.RollbackAction != nil,
		NeedApproval: s.RequiresApproval,
	}
}

// DecideRecovery asks the model for an action. Calls go through a circuit
// breaker so an unreachable server fails fast and the engine falls back to
// its own rules.
func (a *Advisor) DecideRecovery(ctx context.Context, req planrecovery.AdvisorRequest) (planrecovery.Action, error) {
	planID := ""
	if req.Plan != nil {
		planID = req.Plan.ID
	}
	reportErr, _, end := a.tracker.Start(ctx, "decide", "recovery_advisor", "model", a.model, "plan_id", planID)
	defer end()

	prompt, err := buildPrompt(req)
	if err != nil {
		reportErr(err)
		return nil, err
	}

	var content string
	err = a.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()
		content, err = a.chat(ctx, prompt)
		return err
	})
	if err != nil {
		reportErr(err)
		return nil, err
	}

	action, err := parseContent(content, req.Plan)
	if err != nil {
		reportErr(err)
		return nil, err
	}
	return action, nil
}

func (a *Advisor) chat(ctx context.Context, prompt string) (string, error) {
	stream := false
	think := api.ThinkValue{Value: false}
	req := &api.ChatRequest{
		Model: a.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Stream:  &stream,
		Think:   &think,
		Format:  actionSchema,
		Options: map[string]any{"temperature": 0},
	}

	var final api.ChatResponse
	err := a.client.Chat(ctx, req, func(res api.ChatResponse) error {
		if res.Done {
			final = res
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat request failed for model %s: %w", a.model, err)
	}
	if final.Message.Content == "" {
		return "", fmt.Errorf("empty response from model %s", a.model)
	}
	if final.DoneReason == "length" {
		return "", fmt.Errorf("token limit reached for model %s", a.model)
	}
	return final.Message.Content, nil
}

// parseContent decodes the model's answer and drops rollback step ids that do
// not belong to the plan. A rollback naming only unknown steps is rejected
// rather than widened to every step.
func parseContent(content string, plan *planstore.Plan) (planrecovery.Action, error) {
	var view planrecovery.ActionView
	if err := json.Unmarshal([]byte(content), &view); err != nil {
		return nil, fmt.Errorf("model returned invalid json: %w", err)
	}
	if view.Kind == planrecovery.KindRollback && plan != nil && len(view.StepIDs) > 0 {
		var known []string
		for _, id := range view.StepIDs {
			if plan.StepByID(id) != nil {
				known = append(known, id)
			}
		}
		if len(known) == 0 {
			return nil, fmt.Errorf("model named no step of plan %s to roll back", plan.ID)
		}
		view.StepIDs = known
	}
	return planrecovery.ParseAction(view)
}
