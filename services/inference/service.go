// Package inference runs the gateway pipeline: command dispatch, routing and response normalization.
package inference

import (
	"context"
	"time"

	"github.com/upb/llm-mirror-router/services"
	"github.com/upb/llm-mirror-router/services/commands"
	"github.com/upb/llm-mirror-router/services/mirror"
	"github.com/upb/llm-mirror-router/services/routing"
	"go.uber.org/zap"
)

// Router serves routed and forced-mirror requests
type Router interface {
	Route(ctx context.Context, req *routing.Request) (*routing.Result, error)
	Forward(ctx context.Context, req *routing.Request) (*routing.Result, error)
}

// Dispatcher classifies a request by its leading command, if any
type Dispatcher interface {
	Dispatch(ctx context.Context, req *routing.Request) commands.Result
}

// Metrics observes pipeline outcomes
type Metrics interface {
	ObserveCommand(outcome string)
	ObserveUsage(providerID string, input, output int, cost float64)
}

// Reply is what the pipeline produced. Exactly one of Response or Mirror is set.
type Reply struct {
	Response *CompletionResponse
	Mirror   *mirror.Response
	Outcome  commands.Outcome
}

// ServedByMirror reports whether the body must be relayed verbatim
func (r *Reply) ServedByMirror() bool {
	return r != nil && r.Mirror != nil
}

// InferenceService orchestrates the request pipeline
type InferenceService struct {
	dispatcher Dispatcher
	router     Router
	metrics    Metrics
	logger     *zap.Logger
}

// NewInferenceService creates the pipeline. metrics may be nil.
func NewInferenceService(dispatcher Dispatcher, router Router, metrics Metrics, logger *zap.Logger) *InferenceService {
	return &InferenceService{
		dispatcher: dispatcher,
		router:     router,
		metrics:    metrics,
		logger:     logger,
	}
}

// ProcessChatCompletion serves one normalized request
func (s *InferenceService) ProcessChatCompletion(ctx context.Context, req *routing.Request) (*Reply, error) {
	start := time.Now()

	dispatched := s.dispatcher.Dispatch(ctx, req)
	if dispatched.Command != "" && s.metrics != nil {
		s.metrics.ObserveCommand(dispatched.Outcome.String())
	}

	switch dispatched.Outcome {
	case commands.OutcomeUnsupported:
		return nil, dispatched.Err

	case commands.OutcomeLocal:
		if dispatched.Err != nil {
			return nil, services.WrapInternal("local command failed", dispatched.Err)
		}
		s.logger.Debug("command answered locally",
			zap.String("request_id", req.ID),
			zap.String("command", dispatched.Command),
			zap.Duration("elapsed", time.Since(start)))
		return &Reply{
			Outcome: commands.OutcomeLocal,
			Response: &CompletionResponse{
				Content:      dispatched.Output,
				ProviderUsed: LocalProvider,
				RequestID:    req.ID,
				Command:      dispatched.Command,
			},
		}, nil

	case commands.OutcomeMirror:
		result, err := s.router.Forward(ctx, req)
		if err != nil {
			return nil, err
		}
		return s.reply(req, dispatched, result), nil

	default:
		result, err := s.router.Route(ctx, req)
		if err != nil {
			return nil, err
		}
		return s.reply(req, dispatched, result), nil
	}
}

func (s *InferenceService) reply(req *routing.Request, dispatched commands.Result, result *routing.Result) *Reply {
	if result.Usage != nil && s.metrics != nil {
		s.metrics.ObserveUsage(result.Usage.ProviderID, result.Usage.InputTokens, result.Usage.OutputTokens, result.Usage.Cost)
	}
	if result.ServedByMirror() {
		return &Reply{Outcome: dispatched.Outcome, Mirror: result.Mirror}
	}

	resp := &CompletionResponse{
		Content:      result.Response.Content(),
		ProviderUsed: result.Decision.ChosenProvider,
		Model:        result.Response.Model,
		RequestID:    req.ID,
		Command:      dispatched.Command,
		Reason:       string(result.Decision.Reason),
	}
	if result.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			CostEstimate: result.Usage.Cost,
		}
	}
	return &Reply{Outcome: dispatched.Outcome, Response: resp}
}
