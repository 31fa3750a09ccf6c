package ai

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/ai/data"
	"github.com/floegence/coach-agent/internal/ai/memory"
	"github.com/floegence/coach-agent/internal/ai/rag"
	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/ai/tools"
	"github.com/floegence/coach-agent/internal/auditlog"
	"github.com/floegence/coach-agent/internal/store"
	"github.com/tidwall/gjson"
)

const (
	defaultMaxIterations    = 5
	defaultMaxParallelTools = 6
	defaultToolTimeout      = 10 * time.Second
	defaultProviderTimeout  = 60 * time.Second
)

// ConversationStore persists the turn. *store.Store implements it.
type ConversationStore interface {
	EnsureConversation(ctx context.Context, userID string, conversationID string) (store.Conversation, error)
	AppendMessage(ctx context.Context, m store.Message) (store.Message, error)
}

// MemoryProvider assembles conversation context. *memory.Manager implements it.
type MemoryProvider interface {
	GetConversationContext(ctx context.Context, userID string, conversationID string, current string, tokenBudget int) memory.ConversationContext
}

// Toolset is the tool catalog. *tools.Registry implements it.
type Toolset interface {
	toolRunner
	Definitions() []tools.Def
	Commit(ctx context.Context, userID string, act tools.Action) (tools.Action, error)
}

// AuditSink records one entry per turn. *auditlog.Store implements it.
type AuditSink interface {
	Append(e auditlog.Entry)
}

// MessageIndexer receives persisted messages for similarity indexing.
type MessageIndexer interface {
	IndexMessage(m store.Message)
}

type Options struct {
	Store   ConversationStore
	Router  *router.Router
	Canned  *router.CannedReplies
	Memory  MemoryProvider
	Tools   Toolset
	Tiers   *Tiers
	Pricing Pricing
	// Indexer and Audit are optional.
	Indexer MessageIndexer
	Audit   AuditSink

	SystemPrompt      string
	MaxIterations     int
	MaxParallelTools  int
	ToolTimeout       time.Duration
	ProviderTimeout   time.Duration
	MemoryTokenBudget int
	Logger            *slog.Logger
}

// Engine handles user messages end to end. It is safe for concurrent use;
// each call to HandleMessage owns its transcript.
type Engine struct {
	store   ConversationStore
	router  *router.Router
	canned  *router.CannedReplies
	memory  MemoryProvider
	tools   Toolset
	tiers   *Tiers
	pricing Pricing
	indexer MessageIndexer
	audit   AuditSink

	scheduler       *scheduler
	systemPrompt    string
	maxIterations   int
	providerTimeout time.Duration
	memoryBudget    int
	log             *slog.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	if opts.Router == nil {
		return nil, errors.New("missing router")
	}
	if opts.Tools == nil {
		return nil, errors.New("missing tools")
	}
	if opts.Tiers == nil {
		return nil, errors.New("missing tiers")
	}
	e := &Engine{
		store:           opts.Store,
		router:          opts.Router,
		canned:          opts.Canned,
		memory:          opts.Memory,
		tools:           opts.Tools,
		tiers:           opts.Tiers,
		pricing:         opts.Pricing,
		indexer:         opts.Indexer,
		audit:           opts.Audit,
		systemPrompt:    strings.TrimSpace(opts.SystemPrompt),
		maxIterations:   opts.MaxIterations,
		providerTimeout: opts.ProviderTimeout,
		memoryBudget:    opts.MemoryTokenBudget,
		log:             opts.Logger,
	}
	if e.canned == nil {
		e.canned = router.NewCannedReplies(nil)
	}
	if e.systemPrompt == "" {
		e.systemPrompt = defaultSystemPrompt
	}
	if e.maxIterations <= 0 {
		e.maxIterations = defaultMaxIterations
	}
	if e.providerTimeout <= 0 {
		e.providerTimeout = defaultProviderTimeout
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	parallel := opts.MaxParallelTools
	if parallel <= 0 {
		parallel = defaultMaxParallelTools
	}
	toolTimeout := opts.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}
	mutating := map[string]bool{}
	for _, def := range opts.Tools.Definitions() {
		if def.Mutating {
			mutating[def.Name] = true
		}
	}
	e.scheduler = &scheduler{runner: opts.Tools, parallel: parallel, timeout: toolTimeout, mutating: mutating, log: e.log}
	return e, nil
}

// HandleMessage answers one user message. Trivial messages get a canned
// reply without any provider call; everything else runs the tool loop on
// the routed tier. Returned errors are *Error.
func (e *Engine) HandleMessage(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	res, err := e.handleMessage(ctx, req)
	e.record(req.UserID, res, err, time.Since(started))
	return res, err
}

func (e *Engine) handleMessage(ctx context.Context, req Request) (Result, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Text = strings.TrimSpace(req.Text)
	if req.UserID == "" {
		return Result{}, invalidRequest("missing user id")
	}
	images := make([]Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		if strings.TrimSpace(a.URL) != "" {
			images = append(images, a)
		}
	}
	if req.Text == "" && len(images) == 0 {
		return Result{}, invalidRequest("empty message")
	}

	conv, err := e.store.EnsureConversation(ctx, req.UserID, req.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrConversationOwner) {
			return Result{}, invalidRequest("unknown conversation")
		}
		return Result{}, newError(KindStore, err)
	}
	res := Result{ConversationID: conv.ConversationID}

	cls := e.router.Classify(ctx, req.Text, len(images) > 0)
	res.Classification = cls
	res.Tier = cls.Tier

	if cls.Tier == router.TierTrivial {
		res.Reply = e.canned.Reply(cls.Category, cls.Language)
		res.State = StateDone
		if _, err := e.appendMessage(ctx, conv, store.RoleUser, req.Text); err != nil {
			return res, newError(KindStore, err)
		}
		if _, err := e.appendMessage(ctx, conv, store.RoleAssistant, res.Reply); err != nil {
			return res, newError(KindStore, err)
		}
		e.log.Info("trivial message answered", "user_id", req.UserID, "conversation_id", conv.ConversationID, "category", cls.Category)
		return res, nil
	}

	// Memory is read before the current message is stored so it does not
	// show up twice.
	var mc memory.ConversationContext
	if e.memory != nil {
		mc = e.memory.GetConversationContext(ctx, req.UserID, conv.ConversationID, req.Text, e.memoryBudget)
	}
	userText := req.Text
	if userText == "" {
		userText = "[image]"
	}
	userMsg, err := e.appendMessage(ctx, conv, store.RoleUser, userText)
	if err != nil {
		return res, newError(KindStore, err)
	}
	e.index(userMsg)

	transcript := historyMessages(mc.Recent)
	transcript = append(transcript, Message{Role: RoleUser, Text: req.Text, Images: images})

	primary, alternate := e.tiers.For(cls.Tier)
	out, err := e.runLoop(ctx, primary, alternate, loopInput{
		UserID:         req.UserID,
		ConversationID: conv.ConversationID,
		Background:     mc.Background(),
		Transcript:     transcript,
	})
	res.State = out.State
	res.Iterations = out.Iterations
	res.Invocations = out.Invocations
	res.Model = out.Model
	res.TokensUsed = out.Usage.Total()
	res.CostEstimate = out.Cost
	res.PendingActions, res.CommittedActions = partitionActions(out.Invocations)
	res.SourcesUsed = sourcesUsed(out.Invocations)
	if err != nil {
		e.log.Error("message failed",
			"user_id", req.UserID,
			"conversation_id", conv.ConversationID,
			"tier", cls.Tier,
			"iterations", out.Iterations,
			"error", err,
		)
		return res, err
	}
	res.Reply = out.Reply

	replyMsg, err := e.appendMessage(ctx, conv, store.RoleAssistant, res.Reply)
	if err != nil {
		return res, newError(KindStore, err)
	}
	e.index(replyMsg)

	e.log.Info("message answered",
		"user_id", req.UserID,
		"conversation_id", conv.ConversationID,
		"tier", cls.Tier,
		"stage", cls.Stage,
		"model", out.Model,
		"fallback", out.FellBack,
		"state", out.State,
		"iterations", out.Iterations,
		"tool_calls", len(out.Invocations),
		"tokens", res.TokensUsed,
		"cost", res.CostEstimate,
	)
	return res, nil
}

// ConfirmAction persists a pending action the user approved.
func (e *Engine) ConfirmAction(ctx context.Context, userID string, act tools.Action) (tools.Action, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return tools.Action{}, invalidRequest("missing user id")
	}
	committed, err := e.tools.Commit(ctx, userID, act)
	if err != nil {
		e.log.Warn("confirm action failed", "user_id", userID, "action_id", act.ID, "tool", act.ToolName, "error", err)
		if e.audit != nil {
			e.audit.Append(auditlog.Entry{
				Action: auditlog.ActionActionConfirmed,
				Status: "failure",
				Error:  err.Error(),
				UserID: userID,
				Detail: map[string]any{"action_id": act.ID, "tool": act.ToolName},
			})
		}
		return tools.Action{}, confirmError(err)
	}
	e.log.Info("action confirmed", "user_id", userID, "action_id", committed.ID, "tool", committed.ToolName, "records", len(committed.RecordIDs))
	if e.audit != nil {
		e.audit.Append(auditlog.Entry{
			Action: auditlog.ActionActionConfirmed,
			UserID: userID,
			Detail: map[string]any{"action_id": committed.ID, "tool": committed.ToolName, "records": len(committed.RecordIDs)},
		})
	}
	return committed, nil
}

// confirmError separates problems with the action from storage failures.
func confirmError(err error) *Error {
	switch {
	case errors.Is(err, store.ErrActionPending):
		return &Error{Kind: KindInvalidRequest, Message: "This entry is already being saved.", Err: err}
	case errors.Is(err, tools.ErrInvalidAction):
		return &Error{Kind: KindInvalidRequest, Message: "The entry could not be saved.", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: userMessages[KindTimeout], Err: err}
	default:
		return &Error{Kind: KindStore, Message: "The entry could not be saved. Please try again.", Err: err}
	}
}

func (e *Engine) record(userID string, res Result, err error, elapsed time.Duration) {
	if e.audit == nil {
		return
	}
	ent := auditlog.Entry{
		Action:         auditlog.ActionMessageAnswered,
		UserID:         strings.TrimSpace(userID),
		ConversationID: res.ConversationID,
		Tier:           string(res.Tier),
		Stage:          res.Classification.Stage,
		Model:          res.Model,
		State:          string(res.State),
		Iterations:     res.Iterations,
		ToolCalls:      len(res.Invocations),
		Tokens:         int64(res.TokensUsed),
		Cost:           res.CostEstimate,
		DurationMs:     elapsed.Milliseconds(),
	}
	if err != nil {
		ent.Action = auditlog.ActionMessageFailed
		ent.Status = "failure"
		var aerr *Error
		if errors.As(err, &aerr) {
			ent.Error = string(aerr.Kind)
		} else {
			ent.Error = err.Error()
		}
	}
	e.audit.Append(ent)
}

func (e *Engine) appendMessage(ctx context.Context, conv store.Conversation, role string, content string) (store.Message, error) {
	return e.store.AppendMessage(ctx, store.Message{
		ConversationID: conv.ConversationID,
		UserID:         conv.UserID,
		Role:           role,
		Content:        content,
		TokenEstimate:  memory.EstimateTokens(content),
	})
}

func (e *Engine) index(m store.Message) {
	if e.indexer != nil {
		e.indexer.IndexMessage(m)
	}
}

// historyMessages converts the stored window to transcript messages. A
// leading assistant turn is dropped since providers expect the user first.
func historyMessages(recent []store.Message) []Message {
	out := make([]Message, 0, len(recent)+1)
	for _, m := range recent {
		switch m.Role {
		case store.RoleUser:
			out = append(out, Message{Role: RoleUser, Text: m.Content})
		case store.RoleAssistant:
			if len(out) == 0 {
				continue
			}
			out = append(out, Message{Role: RoleAssistant, Text: m.Content})
		}
	}
	return out
}

func partitionActions(invs []ToolInvocation) ([]tools.Action, []tools.Action) {
	var pending, committed []tools.Action
	for _, inv := range invs {
		if inv.Action == nil || inv.Status != tools.ResultStatusSuccess {
			continue
		}
		switch inv.Action.Kind {
		case tools.ActionPending:
			pending = append(pending, *inv.Action)
		case tools.ActionCommitted:
			committed = append(committed, *inv.Action)
		}
	}
	return pending, committed
}

var toolSources = map[string]string{
	data.OpUserProfile:      rag.DomainProfile,
	data.OpActivePrograms:   rag.DomainPrograms,
	data.OpDailyNutrition:   rag.DomainNutrition,
	data.OpRecentMeals:      rag.DomainNutrition,
	data.OpRecentActivities: rag.DomainTraining,
	data.OpMeasurements:     rag.DomainMeasurements,
	data.OpSearchEntries:    rag.DomainEntries,
	data.OpFoodReference:    "food_reference",
}

// sourcesUsed lists the data domains that successfully fed the answer.
func sourcesUsed(invs []ToolInvocation) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, inv := range invs {
		if inv.Status != tools.ResultStatusSuccess {
			continue
		}
		if inv.ToolName == tools.NameSearchContext {
			for _, v := range gjson.GetBytes(inv.Result, "sources_used").Array() {
				add(v.String())
			}
			continue
		}
		add(toolSources[inv.ToolName])
	}
	slices.Sort(out)
	return out
}
