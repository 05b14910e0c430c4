// Package agent implements the orchestration loop: it keeps per
// conversation history, sends it to the provider, runs the tools the
// model asks for, and repeats until the model answers in text or the
// round limit is hit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/ampere/internal/events"
	"github.com/nugget/ampere/internal/llm"
	"github.com/nugget/ampere/internal/metrics"
	"github.com/nugget/ampere/internal/tools"
	"github.com/nugget/ampere/internal/usage"
)

// Request is one user utterance.
type Request struct {
	Text string `json:"text"`
	// ConversationID continues a stored conversation. Empty or unknown
	// ids start a new one.
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// Response is the outcome of a successful exchange.
type Response struct {
	Speech         string    `json:"speech"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	Rounds         int       `json:"rounds"`
	Usage          llm.Usage `json:"usage"`
	Truncated      bool      `json:"truncated,omitempty"`
}

// State is the position of a run in the exchange state machine.
type State int

const (
	StateAwaitingModel State = iota
	StateExecutingTools
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingModel:
		return "awaiting_model"
	case StateExecutingTools:
		return "executing_tools"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// UsageRecorder persists per-round token usage.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Loop is the orchestration loop. It is safe for concurrent use; runs
// on distinct conversations proceed in parallel, runs on the same
// conversation are serialized.
type Loop struct {
	logger   *slog.Logger
	provider llm.Adapter
	host     Host
	sessions SessionStore

	bus     *events.Bus
	metrics *metrics.Metrics
	usage   UsageRecorder
	tracer  trace.Tracer

	gen    atomic.Pointer[Generation]
	genSeq atomic.Uint64

	// commitMu orders Reset against the store write that ends a run.
	commitMu sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewLoop creates a loop running on gen.
func NewLoop(logger *slog.Logger, provider llm.Adapter, host Host, sessions SessionStore, gen *Generation) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:   logger,
		provider: provider,
		host:     host,
		sessions: sessions,
		tracer:   otel.Tracer("github.com/nugget/ampere/internal/agent"),
		now:      time.Now,
		newID:    newConversationID,
	}
	l.SetGeneration(gen)
	return l
}

func newConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SetEventBus sets the bus that receives lifecycle events.
func (l *Loop) SetEventBus(bus *events.Bus) { l.bus = bus }

// SetMetrics sets the Prometheus collectors.
func (l *Loop) SetMetrics(m *metrics.Metrics) { l.metrics = m }

// SetUsageRecorder sets where per-round usage is persisted.
func (l *Loop) SetUsageRecorder(u UsageRecorder) { l.usage = u }

// SetGeneration swaps in a new configuration generation and returns
// its id. Runs already in flight are unaffected.
func (l *Loop) SetGeneration(g *Generation) uint64 {
	g.ID = l.genSeq.Add(1)
	l.gen.Store(g)
	l.logger.Info("configuration generation active",
		"generation", g.ID,
		"model", g.Settings.Model,
		"tools", g.Registry.Len(),
	)
	return g.ID
}

// Generation returns the active generation.
func (l *Loop) Generation() *Generation { return l.gen.Load() }

// Sessions returns the session store.
func (l *Loop) Sessions() SessionStore { return l.sessions }

// Reset forgets a conversation. It reports whether it existed. A run
// still in flight on the conversation finishes but does not store it
// again.
func (l *Loop) Reset(conversationID string) bool {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()
	if sess, ok := l.sessions.Get(conversationID); ok {
		sess.removed.Store(true)
	}
	return l.sessions.Remove(conversationID)
}

// exchange is the working state of one Run.
type exchange struct {
	gen      *Generation
	sess     *Session
	isNew    bool
	history  []llm.Message
	inv      tools.Invocation
	state    State
	rounds   int
	usage    llm.Usage
	model    string
	overflow bool
	logger   *slog.Logger
}

func (x *exchange) transition(s State) {
	x.logger.Debug("state transition", "from", x.state, "to", s, "round", x.rounds)
	x.state = s
}

// Run processes one utterance. On error the stored conversation is
// unchanged and FailureSpeech(err) gives the text to show the user.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	start := l.now()
	gen := l.gen.Load()

	sess, known := l.sessions.Get(req.ConversationID)
	if known && req.ConversationID != "" {
		sess.mu.Lock()
		defer sess.mu.Unlock()
	} else {
		sess = newSession(l.newID(), start)
		known = false
	}

	x := &exchange{
		gen:    gen,
		sess:   sess,
		isNew:  !known,
		model:  gen.Settings.Model,
		logger: l.logger.With("conversation", sess.ID, "generation", gen.ID),
	}

	ctx, span := l.tracer.Start(ctx, "agent.exchange", trace.WithAttributes(
		attribute.String("conversation.id", sess.ID),
		attribute.Bool("conversation.new", x.isNew),
		attribute.String("llm.model", gen.Settings.Model),
	))
	defer span.End()

	l.publish(events.KindRequestStart, map[string]any{
		"conversation_id": sess.ID,
		"new_session":     x.isNew,
	})
	x.logger.Info("exchange started", "new_session", x.isNew, "user", req.UserID)

	resp, err := l.run(ctx, x, req)

	outcome := "success"
	if err != nil {
		x.transition(StateFailed)
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "unknown"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.publish(events.KindExchangeFailed, map[string]any{
			"conversation_id": sess.ID,
			"kind":            outcome,
			"error":           err.Error(),
		})
		x.logger.Error("exchange failed", "kind", outcome, "rounds", x.rounds, "error", err)
	}
	span.SetAttributes(attribute.Int("agent.rounds", x.rounds))
	l.metrics.RecordExchange(outcome, l.now().Sub(start).Seconds())
	return resp, err
}

func (l *Loop) run(ctx context.Context, x *exchange, req *Request) (*Response, error) {
	st := x.gen.Settings

	if x.isNew {
		sys, exposed, err := renderSystemMessage(ctx, l.host, st.Prompt, req.DeviceID)
		if err != nil {
			return nil, err
		}
		x.history = []llm.Message{sys}
		x.inv.Exposed = exposed
	} else {
		x.history = cloneHistory(x.sess.messages)
		exposed, err := l.host.ExposedEntities(ctx)
		if err != nil {
			return nil, &Error{Kind: KindHost, Op: "load exposed entities", Err: err}
		}
		x.inv.Exposed = exposed
	}
	x.inv.ConversationID = x.sess.ID
	x.inv.UserID = req.UserID
	x.inv.DeviceID = req.DeviceID
	x.inv.Language = req.Language

	user := llm.Message{Role: llm.RoleUser, Content: req.Text}
	if st.AttachUsername && req.UserID != "" {
		user.Name = participantName(req.UserID)
	}
	x.history = append(x.history, user)

	defs := x.gen.Registry.Definitions()

	for {
		choice := llm.ToolChoiceAuto
		if x.rounds >= st.MaxRounds {
			choice = llm.ToolChoiceNone
		}

		x.transition(StateAwaitingModel)
		ex, err := l.roundTrip(ctx, x, defs, choice)
		x.rounds++
		if err != nil {
			return nil, err
		}

		switch out := ex.Outcome.(type) {
		case llm.Final:
			x.history = append(x.history, out.Message)
			return l.finish(ctx, x, req, out.Message.Content)

		case llm.PendingCalls:
			if choice == llm.ToolChoiceNone {
				return nil, &Error{
					Kind: KindRoundLimit,
					Op:   "call loop",
					Err:  errors.New("model requested tools after the round limit was reached"),
				}
			}
			x.transition(StateExecutingTools)
			x.history = append(x.history, out.Message)
			for _, call := range out.Calls {
				msg, err := l.runTool(ctx, x, call)
				if err != nil {
					return nil, err
				}
				x.history = append(x.history, msg)
			}

		default:
			return nil, providerError("provider round trip",
				fmt.Errorf("%w: reply carried no outcome", llm.ErrMalformedResponse))
		}
	}
}

// roundTrip performs one provider exchange and records its usage.
func (l *Loop) roundTrip(ctx context.Context, x *exchange, defs []llm.ToolDefinition, choice llm.ToolChoice) (*llm.Exchange, error) {
	st := x.gen.Settings
	round := x.rounds

	ctx, span := l.tracer.Start(ctx, "agent.round", trace.WithAttributes(
		attribute.Int("agent.round", round),
		attribute.String("llm.tool_choice", string(choice)),
	))
	defer span.End()

	req := llm.Request{
		Model:       st.Model,
		Messages:    x.history,
		Tools:       defs,
		ToolChoice:  choice,
		MaxTokens:   st.MaxTokens,
		Temperature: st.Temperature,
		TopP:        st.TopP,
		User:        x.sess.ID,
		MultiCall:   st.MultiCall,
	}

	l.publish(events.KindLLMCall, map[string]any{
		"conversation_id": x.sess.ID,
		"round":           round,
		"model":           st.Model,
		"tool_choice":     string(choice),
	})
	x.logger.Log(ctx, llm.LevelTrace, "prompt", "round", round, "messages", x.history)

	start := l.now()
	ex, err := l.provider.Send(ctx, req)
	elapsed := l.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.RecordRound(st.Model, l.provider.Name(), "error", elapsed.Seconds(), 0, 0)
		l.recordUsage(ctx, x, round, usage.Record{Model: st.Model, Protocol: l.provider.Name(), Outcome: "error"})
		return nil, providerError("provider round trip", err)
	}

	x.usage.PromptTokens += ex.Usage.PromptTokens
	x.usage.CompletionTokens += ex.Usage.CompletionTokens
	x.usage.TotalTokens += ex.Usage.TotalTokens
	if ex.Model != "" {
		x.model = ex.Model
	}
	// Responses rounds never trigger truncation.
	if ex.Protocol == llm.ProtocolChat && st.ContextThreshold > 0 && ex.Usage.TotalTokens > st.ContextThreshold {
		x.overflow = true
	}

	outcome, calls := "final", 0
	if p, ok := ex.Outcome.(llm.PendingCalls); ok {
		outcome, calls = "pending_calls", len(p.Calls)
	}

	span.SetAttributes(
		attribute.String("llm.protocol", ex.Protocol),
		attribute.Int("llm.tokens.prompt", ex.Usage.PromptTokens),
		attribute.Int("llm.tokens.completion", ex.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", calls),
	)
	l.metrics.RecordRound(st.Model, ex.Protocol, "success", elapsed.Seconds(),
		ex.Usage.PromptTokens, ex.Usage.CompletionTokens)
	l.recordUsage(ctx, x, round, usage.Record{
		Model:        ex.Model,
		Protocol:     ex.Protocol,
		InputTokens:  ex.Usage.PromptTokens,
		OutputTokens: ex.Usage.CompletionTokens,
		Outcome:      outcome,
	})
	l.publish(events.KindLLMResponse, map[string]any{
		"conversation_id": x.sess.ID,
		"round":           round,
		"model":           ex.Model,
		"protocol":        ex.Protocol,
		"tokens_in":       ex.Usage.PromptTokens,
		"tokens_out":      ex.Usage.CompletionTokens,
		"tool_calls":      calls,
	})
	x.logger.Debug("round complete",
		"round", round,
		"protocol", ex.Protocol,
		"outcome", outcome,
		"tool_calls", calls,
		"total_tokens", ex.Usage.TotalTokens,
		"elapsed", elapsed,
	)
	return ex, nil
}

// runTool resolves and executes one pending call. Only an unknown tool
// is an error; argument and execution failures become the tool result
// so the model can correct itself.
func (l *Loop) runTool(ctx context.Context, x *exchange, call llm.ToolCall) (llm.Message, error) {
	spec, err := x.gen.Registry.Lookup(call.Name)
	if err != nil {
		return llm.Message{}, &Error{Kind: KindToolNotFound, Op: "resolve tool call", Err: err}
	}

	ctx, span := l.tracer.Start(ctx, "tool."+call.Name, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	l.publish(events.KindToolCall, map[string]any{
		"conversation_id": x.sess.ID,
		"tool":            call.Name,
		"call_id":         call.ID,
	})

	start := l.now()
	status := "success"
	var content string

	args, err := tools.ParseArguments(call.Name, call.Arguments)
	if err == nil {
		err = spec.Validate(args)
	}
	if err != nil {
		status = "argument_error"
		content = "Error: " + err.Error()
		x.logger.Warn("tool arguments rejected", "tool", call.Name, "error", err)
	} else {
		inv := x.inv
		inv.CallID = call.ID
		content, err = tools.Execute(tools.WithInvocation(ctx, inv), l.host, spec, args, inv)
		if err != nil {
			status = "execution_error"
			content = "Error: " + err.Error()
			x.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	elapsed := l.now().Sub(start)
	l.metrics.RecordToolCall(call.Name, status, elapsed.Seconds())
	l.publish(events.KindToolDone, map[string]any{
		"conversation_id": x.sess.ID,
		"tool":            call.Name,
		"call_id":         call.ID,
		"ok":              status == "success",
		"duration_ms":     elapsed.Milliseconds(),
	})
	x.logger.Info("tool executed", "tool", call.Name, "status", status, "elapsed", elapsed)

	return llm.Message{
		Role:       llm.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    content,
	}, nil
}

// finish truncates if the exchange ran over the context threshold,
// commits the history and announces the finished exchange.
func (l *Loop) finish(ctx context.Context, x *exchange, req *Request, speech string) (*Response, error) {
	truncated := false
	if x.overflow {
		truncated = l.truncate(ctx, x, req)
	}

	x.transition(StateDone)
	x.sess.commit(x.history, x.rounds, l.now())
	l.commitMu.Lock()
	if !x.sess.removed.Load() {
		l.sessions.Put(x.sess)
	}
	l.commitMu.Unlock()

	l.publish(events.KindConversationFinished, map[string]any{
		"conversation_id": x.sess.ID,
		"response":        speech,
		"user_input":      req.Text,
		"messages":        cloneHistory(x.history),
	})
	x.logger.Info("exchange finished",
		"rounds", x.rounds,
		"history", len(x.history),
		"total_tokens", x.usage.TotalTokens,
		"truncated", truncated,
	)

	return &Response{
		Speech:         speech,
		ConversationID: x.sess.ID,
		Model:          x.model,
		Rounds:         x.rounds,
		Usage:          x.usage,
		Truncated:      truncated,
	}, nil
}

// truncate applies the truncation policy at the exchange boundary and
// re-renders the system message. A render failure keeps the history
// as it was.
func (l *Loop) truncate(ctx context.Context, x *exchange, req *Request) bool {
	policy := x.gen.Settings.Truncation
	if policy == nil {
		return false
	}
	out, found := policy.Truncate(x.history)
	if !found {
		return false
	}
	sys, _, err := renderSystemMessage(ctx, l.host, x.gen.Settings.Prompt, req.DeviceID)
	if err != nil {
		x.logger.Warn("truncation skipped, system prompt could not be refreshed", "error", err)
		return false
	}
	before := len(x.history)
	out[0] = sys
	x.history = out

	l.metrics.RecordTruncation(policy.Name())
	l.publish(events.KindTruncated, map[string]any{
		"conversation_id": x.sess.ID,
		"strategy":        policy.Name(),
		"before":          before,
		"after":           len(out),
	})
	x.logger.Info("history truncated", "strategy", policy.Name(), "before", before, "after", len(out))
	return true
}

func (l *Loop) recordUsage(ctx context.Context, x *exchange, round int, rec usage.Record) {
	if l.usage == nil {
		return
	}
	rec.ConversationID = x.sess.ID
	rec.Round = round
	if rec.Model == "" {
		rec.Model = x.gen.Settings.Model
	}
	if err := l.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		x.logger.Warn("failed to record usage", "error", err)
	}
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Publish(events.Event{Source: events.SourceAgent, Kind: kind, Data: data})
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// participantName makes a user id acceptable as a message name.
func participantName(id string) string {
	name := invalidNameChars.ReplaceAllString(id, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
