// Package kernel ties the action log, the proposal store and the tool
// executor into the propose/confirm protocol. The state machine per
// (action, idempotency key) is: absent -> processing -> confirmed, with
// failed reachable from processing so a crashed commit stays retryable.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/findyourwork/toolgate/pkg/actionlog"
	"github.com/findyourwork/toolgate/pkg/proposal"
	"github.com/findyourwork/toolgate/pkg/registry"
)

// ToolExecutor runs a named tool against the external collaborator.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any, confirm *bool, idemKey string) (json.RawMessage, error)
}

var _ ToolExecutor = (*registry.Executor)(nil)

// Outcome tells the transport layer how to frame the response.
type Outcome string

const (
	// OutcomeCreated means the side effect executed in this call (201).
	OutcomeCreated Outcome = "created"
	// OutcomeReplayed means a stored response was returned verbatim,
	// with no side effect (200).
	OutcomeReplayed Outcome = "replayed"
	// OutcomeProcessing means another request owns the slot right now;
	// the caller may retry later (200, transient).
	OutcomeProcessing Outcome = "processing"
	// OutcomeProposal means a preview ran and was recorded (200).
	OutcomeProposal Outcome = "proposal"
	// OutcomeDirect means a pass-through call with no dedup guarantee.
	OutcomeDirect Outcome = "direct"
)

// InvokeRequest is one tool invocation as seen by the orchestration
// layer. Confirm is tri-state: nil (direct), false (preview), true
// (commit). Omitting the idempotency key on commit is a documented
// opt-out: client-side retries may then duplicate the effect.
type InvokeRequest struct {
	Action         string
	Params         map[string]any
	Confirm        *bool
	IdempotencyKey string
	Actor          string
}

// InvokeResult carries the response payload and its framing.
type InvokeResult struct {
	Outcome Outcome
	Payload json.RawMessage
}

// Service is the dependency-injected orchestration core. Constructed
// once at process start and shared by all request handlers; it holds no
// mutable state of its own.
type Service struct {
	actions   actionlog.Store
	proposals proposal.Store
	executor  ToolExecutor
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New wires the three collaborators together.
func New(actions actionlog.Store, proposals proposal.Store, executor ToolExecutor) *Service {
	return &Service{
		actions:   actions,
		proposals: proposals,
		executor:  executor,
		logger:    slog.Default().With("component", "kernel"),
		tracer:    otel.Tracer("toolgate.kernel"),
	}
}

// Invoke runs the single-call protocol for one action.
func (s *Service) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	ctx, span := s.tracer.Start(ctx, "kernel.invoke",
		trace.WithAttributes(
			attribute.String("tool.action", req.Action),
			attribute.Bool("tool.has_key", req.IdempotencyKey != ""),
		))
	defer span.End()

	switch {
	case req.Confirm == nil:
		payload, err := s.executor.Execute(ctx, req.Action, req.Params, nil, "")
		if err != nil {
			return nil, err
		}
		return &InvokeResult{Outcome: OutcomeDirect, Payload: payload}, nil
	case !*req.Confirm:
		return s.preview(ctx, req)
	default:
		return s.commit(ctx, req)
	}
}

func (s *Service) preview(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	// A key whose action already confirmed replays the stored result;
	// re-previewing a completed operation would only mislead the caller.
	if req.IdempotencyKey != "" {
		latest, err := s.actions.Latest(ctx, req.Action, req.IdempotencyKey)
		if err == nil && latest.Status == actionlog.StatusConfirmed {
			return &InvokeResult{Outcome: OutcomeReplayed, Payload: latest.ResponsePayload}, nil
		}
		if err != nil && !errors.Is(err, actionlog.ErrNotFound) {
			return nil, err
		}
	}

	confirm := false
	previewPayload, err := s.executor.Execute(ctx, req.Action, req.Params, &confirm, "")
	if err != nil {
		return nil, err
	}

	request := marshalParams(req.Params)
	if _, err := s.actions.RecordProposal(ctx, req.Action, req.IdempotencyKey, req.Actor, request, previewPayload); err != nil {
		return nil, fmt.Errorf("record proposal: %w", err)
	}

	payload, err := json.Marshal(map[string]json.RawMessage{"proposal": previewPayload})
	if err != nil {
		return nil, err
	}
	return &InvokeResult{Outcome: OutcomeProposal, Payload: payload}, nil
}

func (s *Service) commit(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	confirm := true

	if req.IdempotencyKey == "" {
		// Documented opt-out: no key, no dedup.
		payload, err := s.executor.Execute(ctx, req.Action, req.Params, &confirm, "")
		if err != nil {
			return nil, err
		}
		return &InvokeResult{Outcome: OutcomeCreated, Payload: payload}, nil
	}

	request := marshalParams(req.Params)
	slot, created, err := s.actions.AcquireOrGet(ctx, req.Action, req.IdempotencyKey, req.Actor, request)
	if err != nil {
		return nil, err
	}

	if !created {
		switch slot.Status {
		case actionlog.StatusConfirmed:
			return &InvokeResult{Outcome: OutcomeReplayed, Payload: slot.ResponsePayload}, nil
		case actionlog.StatusProcessing:
			return &InvokeResult{Outcome: OutcomeProcessing, Payload: json.RawMessage(`{"status":"processing"}`)}, nil
		default:
			// Slot in an unexpected state; treat as a transient race.
			return nil, actionlog.ErrConflict
		}
	}

	payload, err := s.executor.Execute(ctx, req.Action, req.Params, &confirm, req.IdempotencyKey)
	if err != nil {
		if failErr := s.actions.Fail(ctx, slot.ID, err.Error()); failErr != nil {
			s.logger.ErrorContext(ctx, "could not mark slot failed",
				"action", req.Action, "key", req.IdempotencyKey, "error", failErr)
		}
		return nil, err
	}

	if err := s.actions.Finalize(ctx, slot.ID, payload); err != nil {
		return nil, fmt.Errorf("finalize commit: %w", err)
	}
	s.logger.InfoContext(ctx, "committed action",
		"action", req.Action, "key", req.IdempotencyKey, "actor", req.Actor)
	return &InvokeResult{Outcome: OutcomeCreated, Payload: payload}, nil
}

// ProposeResult pairs the stored proposal id with the collaborator's
// preview of the would-be effect.
type ProposeResult struct {
	ProposalID string          `json:"proposal_id"`
	Proposal   json.RawMessage `json:"proposal"`
}

// Propose runs the tool in preview mode and parks (tool, params) in the
// proposal store for a later Confirm.
func (s *Service) Propose(ctx context.Context, tool string, params map[string]any) (*ProposeResult, error) {
	ctx, span := s.tracer.Start(ctx, "kernel.propose",
		trace.WithAttributes(attribute.String("tool.action", tool)))
	defer span.End()

	confirm := false
	preview, err := s.executor.Execute(ctx, tool, params, &confirm, "")
	if err != nil {
		return nil, err
	}

	p, err := s.proposals.Create(ctx, tool, marshalParams(params))
	if err != nil {
		return nil, fmt.Errorf("store proposal: %w", err)
	}
	return &ProposeResult{ProposalID: p.ID, Proposal: preview}, nil
}

// Confirm pops the proposal and commits it. The pop is the single
// source of at-most-once for this flow: once an id is consumed it can
// never be confirmed again, expired ids are equally dead.
func (s *Service) Confirm(ctx context.Context, proposalID string) (json.RawMessage, error) {
	ctx, span := s.tracer.Start(ctx, "kernel.confirm",
		trace.WithAttributes(attribute.String("proposal.id", proposalID)))
	defer span.End()

	p, err := s.proposals.Pop(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if len(p.Params) > 0 {
		if err := json.Unmarshal(p.Params, &params); err != nil {
			return nil, fmt.Errorf("decode proposal params: %w", err)
		}
	}

	confirm := true
	result, err := s.executor.Execute(ctx, p.Tool, params, &confirm, "")
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "confirmed proposal", "proposal_id", proposalID, "tool", p.Tool)
	return result, nil
}

// GetProposal returns the stored proposal without consuming it.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error) {
	return s.proposals.Get(ctx, proposalID)
}

func marshalParams(params map[string]any) json.RawMessage {
	if params == nil {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
