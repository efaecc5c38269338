package planrecovery

import (
	"fmt"
)

type Kind string

const (
	KindRetry    Kind = "retry"
	KindSkip     Kind = "skip"
	KindAbort    Kind = "abort"
	KindAskUser  Kind = "ask_user"
	KindRollback Kind = "rollback"
)

// Decision is the explanation every action carries.
type Decision struct {
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

func (d Decision) Basis() Decision {
	return d
}

// Action is a closed set: Retry, Skip, Abort, AskUser and Rollback are its
// only implementations. Handle one with Dispatch and an ActionVisitor.
type Action interface {
	Kind() Kind
	Basis() Decision
	accept(v ActionVisitor) error
}

// ActionVisitor has one method per action kind.
type ActionVisitor interface {
	VisitRetry(a Retry) error
	VisitSkip(a Skip) error
	VisitAbort(a Abort) error
	VisitAskUser(a AskUser) error
	VisitRollback(a Rollback) error
}

func Dispatch(a Action, v ActionVisitor) error {
	return a.accept(v)
}

// Retry resets the failed step to pending, optionally with new params.
type Retry struct {
	Decision
	ModifiedParams map[string]any
}

// Skip marks the failed step skipped and moves on.
type Skip struct {
	Decision
}

// Abort fails the plan and skips whatever has not run.
type Abort struct {
	Decision
	Reason string
}

// AskUser pauses the plan with a message ready to show.
type AskUser struct {
	Decision
	Message         string
	SuggestRollback bool
}

// Rollback undoes completed steps; empty StepIDs means all of them.
type Rollback struct {
	Decision
	StepIDs []string
}

func (Retry) Kind() Kind    { return KindRetry }
func (Skip) Kind() Kind     { return KindSkip }
func (Abort) Kind() Kind    { return KindAbort }
func (AskUser) Kind() Kind  { return KindAskUser }
func (Rollback) Kind() Kind { return KindRollback }

func (a Retry) accept(v ActionVisitor) error    { return v.VisitRetry(a) }
func (a Skip) accept(v ActionVisitor) error     { return v.VisitSkip(a) }
func (a Abort) accept(v ActionVisitor) error    { return v.VisitAbort(a) }
func (a AskUser) accept(v ActionVisitor) error  { return v.VisitAskUser(a) }
func (a Rollback) accept(v ActionVisitor) error { return v.VisitRollback(a) }

// ActionView is the flat JSON form of an Action.
type ActionView struct {
	Kind            Kind           `json:"action"`
	Reasoning       string         `json:"reasoning"`
	Confidence      float64        `json:"confidence"`
	ModifiedParams  map[string]any `json:"modifiedParams,omitempty"`
	Message         string         `json:"message,omitempty"`
	SuggestRollback bool           `json:"suggestRollback,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	StepIDs         []string       `json:"stepIds,omitempty"`
}

type viewer struct {
	out ActionView
}

func (w *viewer) VisitRetry(a Retry) error {
	w.out.ModifiedParams = a.ModifiedParams
	return nil
}

func (w *viewer) VisitSkip(Skip) error {
	return nil
}

func (w *viewer) VisitAbort(a Abort) error {
	w.out.Reason = a.Reason
	return nil
}

func (w *viewer) VisitAskUser(a AskUser) error {
	w.out.Message = a.Message
	w.out.SuggestRollback = a.SuggestRollback
	return nil
}

func (w *viewer) VisitRollback(a Rollback) error {
	w.out.StepIDs = a.StepIDs
	return nil
}

func View(a Action) ActionView {
	d := a.Basis()
	w := &viewer{out: ActionView{Kind: a.Kind(), Reasoning: d.Reasoning, Confidence: d.Confidence}}
	_ = Dispatch(a, w)
	return w.out
}

// ParseAction builds an Action from its flat form. Confidence is clamped to
// [0, 1].
func ParseAction(v ActionView) (Action, error) {
	d := Decision{Reasoning: v.Reasoning, Confidence: min(max(v.Confidence, 0), 1)}
	switch v.Kind {
	case KindRetry:
		return Retry{Decision: d, ModifiedParams: v.ModifiedParams}, nil
	case KindSkip:
		return Skip{Decision: d}, nil
	case KindAbort:
		reason := v.Reason
		if reason == "" {
			reason = v.Reasoning
		}
		return Abort{Decision: d, Reason: reason}, nil
	case KindAskUser:
		msg := v.Message
		if msg == "" {
			msg = v.Reasoning
		}
		return AskUser{Decision: d, Message: msg, SuggestRollback: v.SuggestRollback}, nil
	case KindRollback:
		return Rollback{Decision: d, StepIDs: v.StepIDs}, nil
	}
	return nil, fmt.Errorf("unknown recovery action %q", v.Kind)
}
