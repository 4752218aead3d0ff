// Package orchestrator is the single entry point for a conversation turn. It
// touches session activity, resumes any paused flow, classifies the message
// when no flow is active, routes to the matching handler, runs confirmed
// side effects through the executor, and persists the turn to chat memory
// and the turn log.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"campusdesk/internal/agents"
	"campusdesk/internal/chatmemory"
	"campusdesk/internal/config"
	"campusdesk/internal/dedup"
	"campusdesk/internal/executor"
	"campusdesk/internal/flowstate"
	"campusdesk/internal/intent"
	"campusdesk/internal/logging"
	"campusdesk/internal/protocol"
	"campusdesk/internal/turnlog"

	"github.com/google/uuid"
)

// historyMessages is how many prior messages feed the classifier.
const historyMessages = 6

// keyLastAction is the flow key holding the most recent confirmed payload.
// A bare "send"/"confirm" arriving after the active flow was cleared resumes
// this breadcrumb and re-runs the executor, whose duplicate guard answers
// instead of the flow restarting from scratch.
const keyLastAction = "last_action"

// extraLastConfirmation is the extras key for the payload inside the
// breadcrumb state.
const extraLastConfirmation = "confirmation_data"

// Handlers groups the per-intent flow handlers.
type Handlers struct {
	FAQ          agents.Handler
	Email        agents.Handler
	Ticket       agents.Handler
	TicketStatus agents.Handler
	Greeting     agents.Handler
}

// Orchestrator drives the turn pipeline.
type Orchestrator struct {
	flows          *flowstate.Store
	memory         *chatmemory.Store
	classifier     *intent.Classifier
	dedup          *dedup.Cache
	exec           *executor.Executor
	turns          *turnlog.Writer
	handlers       Handlers
	thresholds     config.ThresholdsConfig
	sessionTimeout time.Duration
}

// New creates the orchestrator. turns may be nil (turn logging disabled).
func New(flows *flowstate.Store, memory *chatmemory.Store, classifier *intent.Classifier,
	dd *dedup.Cache, exec *executor.Executor, turns *turnlog.Writer,
	handlers Handlers, thresholds config.ThresholdsConfig, sessionTimeout time.Duration) *Orchestrator {
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		flows:          flows,
		memory:         memory,
		classifier:     classifier,
		dedup:          dd,
		exec:           exec,
		turns:          turns,
		handlers:       handlers,
		thresholds:     thresholds,
		sessionTimeout: sessionTimeout,
	}
}

// turn accumulates what the turn-log record needs as the pipeline runs.
type turn struct {
	id         string
	userID     string
	sessionID  string
	message    string
	intent     string
	confidence float64
	routing    string
	agent      string
	status     string
	validation string
	effects    []string
	slots      map[string]string
}

// ProcessMessage runs one conversation turn and returns the response
// envelope. It never returns nil.
func (o *Orchestrator) ProcessMessage(ctx context.Context, message, userID, sessionID string, profile *protocol.Profile) *protocol.Envelope {
	tn := &turn{
		id:        uuid.NewString(),
		userID:    userID,
		sessionID: sessionID,
		message:   message,
	}
	timer := logging.StartTimer(logging.CategoryOrchestrator, "process_message")
	defer timer.Stop()

	// Probe the timeout before touching activity, or the touch would mask it.
	if o.flows.SessionTimedOut(sessionID, o.sessionTimeout) {
		logging.Orchestrator("session %s timed out; any paused flow is stale", sessionID)
	}
	o.flows.UpdateActivity(sessionID)

	st, _ := o.flows.Resume(sessionID, flowstate.KeyActive)

	// Cancel short-circuits any active flow without a handler round-trip.
	if st != nil && agents.IsCancel(message) {
		o.flows.Clear(sessionID, flowstate.KeyActive)
		tn.routing = "cancel"
		tn.agent = protocol.AgentOrchestrator
		tn.status = string(protocol.StatusSuccess)
		env := o.plainEnvelope(protocol.TypeInformation, protocol.AgentOrchestrator,
			fmt.Sprintf("No problem, I've cancelled the %s we were working on. Anything else?", flowNoun(st.ActiveFlow)),
			protocol.Metadata{})
		o.finishTurn(tn, env)
		return env
	}

	// A confirm keyword with no active flow usually means the user repeated
	// "send" after the action already ran. Replay the remembered payload
	// through the executor so its duplicate guard answers.
	if st == nil && agents.IsConfirm(message) {
		if env := o.replayConfirmed(ctx, tn, userID, sessionID, profile); env != nil {
			o.finishTurn(tn, env)
			return env
		}
	}

	if st != nil {
		env, reclassify := o.dispatchActiveFlow(ctx, tn, message, userID, sessionID, profile, st)
		if !reclassify {
			o.finishTurn(tn, env)
			return env
		}
		// The handler signalled a mid-flow escape: the flow is gone, this
		// message goes through classification like any fresh turn.
	}

	env := o.dispatchClassified(ctx, tn, message, userID, sessionID, profile)
	o.finishTurn(tn, env)
	return env
}

// dispatchActiveFlow routes the message to the handler owning the paused
// flow. No reclassification happens on this path unless the handler signals
// an escape.
func (o *Orchestrator) dispatchActiveFlow(ctx context.Context, tn *turn, message, userID, sessionID string, profile *protocol.Profile, st *flowstate.FlowState) (*protocol.Envelope, bool) {
	var h agents.Handler
	switch st.ActiveFlow {
	case flowstate.FlowEmail:
		h = o.handlers.Email
	case flowstate.FlowTicket:
		h = o.handlers.Ticket
	default:
		logging.Get(logging.CategoryOrchestrator).Warn("unknown paused flow %q for session %s; clearing", st.ActiveFlow, sessionID)
		o.flows.Clear(sessionID, flowstate.KeyActive)
		return nil, true
	}

	tn.routing = "active_flow:" + st.ActiveFlow
	logging.Orchestrator("session %s resumes flow %s at step %s", sessionID, st.ActiveFlow, st.Step)

	out := h.Handle(ctx, &agents.Request{
		Message:   message,
		UserID:    userID,
		SessionID: sessionID,
		Profile:   profile,
		Flow:      st,
	})
	if out != nil && out.NeedsReclassify {
		o.flows.Clear(sessionID, flowstate.KeyActive)
		logging.Orchestrator("session %s escaped flow %s; reclassifying", sessionID, st.ActiveFlow)
		return nil, true
	}
	return o.settle(ctx, tn, userID, sessionID, profile, out), false
}

// dispatchClassified classifies the message and routes it by intent.
func (o *Orchestrator) dispatchClassified(ctx context.Context, tn *turn, message, userID, sessionID string, profile *protocol.Profile) *protocol.Envelope {
	history := o.memory.GetUserContext(userID, sessionID, historyMessages)
	res, err := o.classifier.Classify(ctx, message, history)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("classification failed for session %s: %v", sessionID, err)
	}
	tn.intent = string(res.Intent)
	tn.confidence = res.Confidence
	tn.slots = res.Entities
	logging.Orchestrator("session %s classified %s (%.2f)", sessionID, res.Intent, res.Confidence)

	// Identical request within the dedup window replays the cached envelope.
	fp := o.dedup.Fingerprint(userID, string(res.Intent), res.Entities)
	if cached, dup := o.dedup.CheckDuplicate(fp, message); dup {
		tn.routing = "dedup_hit"
		tn.agent = cached.Agent
		tn.status = string(protocol.StatusSuccess)
		return cached
	}

	if below, ask := o.belowThreshold(res); below {
		tn.routing = "clarification"
		tn.agent = protocol.AgentOrchestrator
		tn.status = string(protocol.StatusNeedsInput)
		return o.plainEnvelope(protocol.TypeClarificationRequest, protocol.AgentOrchestrator, ask,
			protocol.Metadata{Intent: string(res.Intent), Confidence: res.Confidence, ExtractedSlots: res.Entities})
	}

	var h agents.Handler
	switch res.Intent {
	case intent.IntentFAQ:
		h = o.handlers.FAQ
	case intent.IntentEmail, intent.IntentTicket:
		// Fresh entry always starts from a clean slate.
		o.flows.Clear(sessionID, flowstate.KeyActive)
		if res.Intent == intent.IntentEmail {
			h = o.handlers.Email
		} else {
			h = o.handlers.Ticket
		}
	case intent.IntentTicketStatus:
		h = o.handlers.TicketStatus
	case intent.IntentGreeting:
		h = o.handlers.Greeting
	default:
		tn.routing = "unknown_intent"
		tn.agent = protocol.AgentOrchestrator
		tn.status = string(protocol.StatusNeedsInput)
		return o.plainEnvelope(protocol.TypeClarificationRequest, protocol.AgentOrchestrator,
			"I'm not sure I understood that. I can answer college questions, send emails to faculty, or raise support tickets - which would you like?",
			protocol.Metadata{Intent: string(res.Intent), Confidence: res.Confidence})
	}

	tn.routing = "classified:" + string(res.Intent)
	out := h.Handle(ctx, &agents.Request{
		Message:   message,
		UserID:    userID,
		SessionID: sessionID,
		Profile:   profile,
		Entities:  res.Entities,
	})
	env := o.settle(ctx, tn, userID, sessionID, profile, out)
	env.Metadata.Intent = string(res.Intent)
	env.Metadata.Confidence = res.Confidence
	env.Metadata.ExtractedSlots = res.Entities

	o.dedup.CacheResponse(fp, env)
	return env
}

// belowThreshold applies the per-intent confidence gate. Present entities
// override the gate for EMAIL and TICKET: an extracted address or complaint
// is stronger evidence than the model's own confidence number.
func (o *Orchestrator) belowThreshold(res intent.Result) (bool, string) {
	var threshold float64
	switch res.Intent {
	case intent.IntentFAQ:
		threshold = o.thresholds.FAQ
	case intent.IntentEmail:
		threshold = o.thresholds.Email
	case intent.IntentTicket:
		threshold = o.thresholds.Ticket
	case intent.IntentTicketStatus:
		threshold = o.thresholds.TicketStatus
	case intent.IntentGreeting:
		threshold = o.thresholds.Greeting
	default:
		return false, ""
	}
	if res.Confidence >= threshold {
		return false, ""
	}
	if len(res.Entities) > 0 && (res.Intent == intent.IntentEmail || res.Intent == intent.IntentTicket) {
		return false, ""
	}
	return true, fmt.Sprintf("I think you want %s but I'm not certain - could you rephrase that?", intentNoun(res.Intent))
}

// settle validates the handler output, runs a confirmed action through the
// executor when signalled, and wraps the result in an envelope.
func (o *Orchestrator) settle(ctx context.Context, tn *turn, userID, sessionID string, profile *protocol.Profile, out *protocol.AgentOutput) *protocol.Envelope {
	if err := out.Validate(); err != nil {
		logging.Get(logging.CategoryOrchestrator).Error("handler output rejected for session %s: %v", sessionID, err)
		tn.agent = protocol.AgentOrchestrator
		tn.status = string(protocol.StatusError)
		tn.validation = err.Error()
		return o.plainEnvelope(protocol.TypeInformation, protocol.AgentOrchestrator,
			"Something went wrong handling that - please try again.", protocol.Metadata{})
	}
	tn.validation = "ok"
	tn.agent = out.AgentName
	tn.status = string(out.Status)

	if out.ActionType == "execute" && out.ConfirmationData != nil {
		o.rememberAction(sessionID, out.ConfirmationData)
		res := o.exec.Execute(ctx, userID, sessionID, out.ConfirmationData, profile)
		tn.effects = append(tn.effects, out.ConfirmationData.Action)
		status := protocol.StatusSuccess
		if !res.Success {
			status = protocol.StatusError
		}
		tn.status = string(status)
		return &protocol.Envelope{
			Type:    protocol.TypeInformation,
			Agent:   out.AgentName,
			Content: res.Message,
			Metadata: protocol.Metadata{
				Intent: out.DetectedIntent,
			},
			AgentOutput: &protocol.AgentOutput{
				AgentName: out.AgentName,
				Status:    status,
				Message:   res.Message,
			},
		}
	}

	env := &protocol.Envelope{
		Type:             envelopeType(out),
		Agent:            out.AgentName,
		Content:          out.Message,
		ConfirmationData: out.ConfirmationData,
		AgentOutput:      out,
		Metadata: protocol.Metadata{
			Intent: out.DetectedIntent,
		},
	}
	if st, ok := o.flows.Resume(sessionID, flowstate.KeyActive); ok {
		env.Metadata.ActiveFlow = st.ActiveFlow
		env.Metadata.ExtractedSlots = st.Slots
	}
	return env
}

// rememberAction keeps the confirmed payload under keyLastAction. Best
// effort: a write failure only costs the repeat-send courtesy reply.
func (o *Orchestrator) rememberAction(sessionID string, action *protocol.ConfirmationData) {
	if action == nil {
		return
	}
	crumb := flowstate.NewFlowState(action.Action)
	if err := crumb.SetExtra(extraLastConfirmation, action); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("could not encode last action for session %s: %v", sessionID, err)
		return
	}
	if err := o.flows.Pause(sessionID, keyLastAction, crumb); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("could not remember last action for session %s: %v", sessionID, err)
	}
}

// replayConfirmed re-runs the remembered payload for a bare confirm keyword.
// Returns nil when there is no breadcrumb, in which case the message goes
// through classification as usual.
func (o *Orchestrator) replayConfirmed(ctx context.Context, tn *turn, userID, sessionID string, profile *protocol.Profile) *protocol.Envelope {
	crumb, ok := o.flows.Resume(sessionID, keyLastAction)
	if !ok {
		return nil
	}
	var action protocol.ConfirmationData
	if !crumb.GetExtra(extraLastConfirmation, &action) {
		o.flows.Clear(sessionID, keyLastAction)
		return nil
	}

	tn.routing = "confirm_replay"
	tn.agent = protocol.AgentOrchestrator
	logging.Orchestrator("session %s confirmed with no active flow; replaying %s", sessionID, action.Action)

	res := o.exec.Execute(ctx, userID, sessionID, &action, profile)
	tn.effects = append(tn.effects, action.Action)
	status := protocol.StatusSuccess
	if !res.Success {
		status = protocol.StatusError
	}
	tn.status = string(status)
	return o.plainEnvelope(protocol.TypeInformation, protocol.AgentOrchestrator, res.Message, protocol.Metadata{})
}

// ConfirmAction handles the explicit confirm/decline round-trip from the
// HTTP layer. Declined actions clear the flow and acknowledge; confirmed
// actions run through the executor.
func (o *Orchestrator) ConfirmAction(ctx context.Context, userID, sessionID string, confirmed bool, action *protocol.ConfirmationData, profile *protocol.Profile) *protocol.Envelope {
	tn := &turn{
		id:        uuid.NewString(),
		userID:    userID,
		sessionID: sessionID,
		routing:   "confirm_action",
		agent:     protocol.AgentOrchestrator,
	}
	o.flows.UpdateActivity(sessionID)

	if !confirmed {
		o.flows.Clear(sessionID, flowstate.KeyActive)
		tn.status = string(protocol.StatusSuccess)
		env := o.plainEnvelope(protocol.TypeInformation, protocol.AgentOrchestrator,
			"Okay, I won't go ahead with that. Anything else I can help with?", protocol.Metadata{})
		o.finishTurn(tn, env)
		return env
	}

	o.rememberAction(sessionID, action)
	res := o.exec.Execute(ctx, userID, sessionID, action, profile)
	if action != nil {
		tn.effects = append(tn.effects, action.Action)
	}
	status := protocol.StatusSuccess
	if !res.Success {
		status = protocol.StatusError
	}
	tn.status = string(status)
	env := o.plainEnvelope(protocol.TypeInformation, protocol.AgentOrchestrator, res.Message, protocol.Metadata{})
	o.finishTurn(tn, env)
	return env
}

// finishTurn persists both sides of the turn to chat memory and writes the
// turn-log record. Failures here never fail the turn.
func (o *Orchestrator) finishTurn(tn *turn, env *protocol.Envelope) {
	meta := map[string]string{}
	if tn.intent != "" {
		meta["intent"] = tn.intent
		meta["confidence"] = fmt.Sprintf("%.2f", tn.confidence)
	}
	if env.Metadata.ActiveFlow != "" {
		meta["active_flow"] = env.Metadata.ActiveFlow
	}
	if tn.message != "" {
		o.memory.SaveMessage(tn.userID, tn.sessionID, chatmemory.RoleUser, tn.message, tn.intent, "", meta)
	}
	o.memory.SaveMessage(tn.userID, tn.sessionID, chatmemory.RoleBot, env.Content, tn.intent, env.Agent, meta)

	if o.turns != nil {
		o.turns.Log(turnlog.Record{
			TurnID:            tn.id,
			UserID:            tn.userID,
			SessionID:         tn.sessionID,
			UserMessagePrefix: tn.message,
			Intent:            tn.intent,
			RoutingDecision:   tn.routing,
			AgentCalled:       tn.agent,
			AgentStatus:       tn.status,
			ValidationOutcome: tn.validation,
			SideEffects:       tn.effects,
			BotResponsePrefix: env.Content,
			Metadata:          tn.slots,
		})
	}
}

func (o *Orchestrator) plainEnvelope(typ protocol.EnvelopeType, agent, content string, meta protocol.Metadata) *protocol.Envelope {
	return &protocol.Envelope{Type: typ, Agent: agent, Content: content, Metadata: meta}
}

// envelopeType maps a handler output to the frontend rendering type.
func envelopeType(out *protocol.AgentOutput) protocol.EnvelopeType {
	switch out.Status {
	case protocol.StatusNeedsConfirmation, protocol.StatusNeedsEscalation:
		if out.ConfirmationData != nil {
			if out.ConfirmationData.Email != nil {
				return protocol.TypeEmailPreview
			}
			if out.ConfirmationData.Ticket != nil {
				return protocol.TypeTicketPreview
			}
		}
		return protocol.TypeConfirmationRequest
	case protocol.StatusNeedsInput:
		return protocol.TypeClarificationRequest
	default:
		return protocol.TypeInformation
	}
}

func flowNoun(flow string) string {
	switch flow {
	case flowstate.FlowEmail:
		return "email"
	case flowstate.FlowTicket:
		return "ticket"
	default:
		return "request"
	}
}

func intentNoun(in intent.Intent) string {
	switch in {
	case intent.IntentEmail:
		return "to send an email"
	case intent.IntentTicket:
		return "to raise a ticket"
	case intent.IntentTicketStatus:
		return "to check your tickets"
	case intent.IntentFAQ:
		return "an answer to a question"
	default:
		return "something"
	}
}
