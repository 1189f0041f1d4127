package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-copilot/pkg/schema"
)

// Message orderings accepted by ProjectClient.ListMessages.
const (
	OrderUnspecified = ""
	OrderAscending   = "asc"
)

// AgentInfo identifies a pre-provisioned agent.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Thread is a server-side conversation.
type Thread struct {
	ID string `json:"id"`
}

// Run is one execution of an agent on a thread. Payload holds the full
// decoded run object.
type Run struct {
	ID      string
	Status  string
	Payload map[string]any
}

// RunStep is an intermediate step of a run. Tool calls are kept as raw maps
// because their shape depends on the tool.
type RunStep struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	StepDetails struct {
		ToolCalls []map[string]any `json:"tool_calls"`
	} `json:"step_details"`
}

// Message is one turn of a thread.
type Message struct {
	ID      string           `json:"id"`
	Role    string           `json:"role"`
	Content []MessageContent `json:"content"`
}

// MessageContent is one segment of a message. Only text segments carry an
// answer.
type MessageContent struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

// ProjectClient is the blocking client for a stateful agent service.
type ProjectClient interface {
	GetAgent(ctx context.Context, agentID string) (*AgentInfo, error)
	CreateThread(ctx context.Context) (*Thread, error)
	CreateMessage(ctx context.Context, threadID, role, content string) error
	CreateAndProcessRun(ctx context.Context, threadID, agentID string) (*Run, error)
	ListRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error)
	ListMessages(ctx context.Context, threadID, order string) ([]Message, error)
}

// ProjectStrategy runs the query against a multi-turn project agent.
type ProjectStrategy struct {
	client  ProjectClient
	agentID string
	initErr error
	timeout time.Duration
	logger  *slog.Logger
}

// NewProjectStrategy wraps client. agentID must name an existing agent.
func NewProjectStrategy(client ProjectClient, agentID string, logger *slog.Logger) *ProjectStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProjectStrategy{
		client:  client,
		agentID: agentID,
		timeout: DefaultTimeout,
		logger:  logger.With("strategy", "project"),
	}
}

// WithTimeout bounds a whole Resolve, run polling included. d <= 0 keeps
// DefaultTimeout.
func (s *ProjectStrategy) WithTimeout(d time.Duration) *ProjectStrategy {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// withInitErr makes every call fail with err. Used when the client could not
// be built from configuration.
func (s *ProjectStrategy) withInitErr(err error) *ProjectStrategy {
	s.initErr = err
	return s
}

func (*ProjectStrategy) Name() string { return "project" }

func (s *ProjectStrategy) ready() error {
	switch {
	case s.initErr != nil:
		return s.initErr
	case s.client == nil:
		return fmt.Errorf("%w: no project client", ErrRuntimeUnavailable)
	case s.agentID == "":
		return fmt.Errorf("%w: AI_FOUNDRY_AGENT_ID is required when STUB_MODE is false", ErrConfigurationMissing)
	}
	return nil
}

type runOutput struct {
	run      *Run
	steps    []RunStep
	messages []Message
	threadID string
	err      error
}

// Resolve executes the blocking client calls on their own goroutine and
// waits for them under ctx, for at most the strategy timeout.
func (s *ProjectStrategy) Resolve(ctx context.Context, req Request) (*schema.QueryResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan runOutput, 1)
	go func() { done <- s.run(runCtx, req) }()

	var out runOutput
	select {
	case out = <-done:
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: no answer within %s: %w", ErrRuntimeUnavailable, s.timeout, runCtx.Err())
	}
	if out.err != nil {
		return nil, out.err
	}

	answer := answerFromMessages(out.messages)
	if answer == "" && out.run != nil {
		answer = answerFromRun(out.run.Payload)
	}
	if answer == "" {
		return nil, fmt.Errorf("%w (run status %q)", ErrAgentNoAnswer, runStatus(out.run))
	}

	return &schema.QueryResult{
		Answer:     answer,
		Citations:  citationsFromSteps(out.steps),
		Confidence: 0.9,
		Fallback:   false,
		ThreadID:   schema.Ptr(out.threadID),
	}, nil
}

// run performs the strictly sequential conversation steps.
func (s *ProjectStrategy) run(ctx context.Context, req Request) runOutput {
	agent, err := s.client.GetAgent(ctx, s.agentID)
	if err != nil {
		return runOutput{err: fmt.Errorf("%w: get agent %s: %w", ErrRuntimeUnavailable, s.agentID, err)}
	}

	threadID := ""
	if req.ThreadID != nil {
		threadID = strings.TrimSpace(*req.ThreadID)
	}
	if threadID == "" {
		thread, err := s.client.CreateThread(ctx)
		if err != nil {
			return runOutput{err: fmt.Errorf("%w: create thread: %w", ErrRuntimeUnavailable, err)}
		}
		threadID = thread.ID
	}

	if err := s.client.CreateMessage(ctx, threadID, "user", req.Query); err != nil {
		s.logger.Warn("posting user message failed, continuing", "thread_id", threadID, "error", err)
	}

	run, err := s.client.CreateAndProcessRun(ctx, threadID, agent.ID)
	if err != nil {
		return runOutput{err: fmt.Errorf("%w: run: %w", ErrRuntimeUnavailable, err)}
	}

	steps, err := s.client.ListRunSteps(ctx, threadID, run.ID)
	if err != nil {
		s.logger.Warn("listing run steps failed", "run_id", run.ID, "error", err)
		steps = nil
	}

	messages, err := s.client.ListMessages(ctx, threadID, OrderAscending)
	if err != nil {
		s.logger.Warn("listing messages in order failed, retrying unordered", "thread_id", threadID, "error", err)
		messages, err = s.client.ListMessages(ctx, threadID, OrderUnspecified)
		if err != nil {
			s.logger.Warn("listing messages failed", "thread_id", threadID, "error", err)
			messages = nil
		}
	}

	return runOutput{run: run, steps: steps, messages: messages, threadID: threadID}
}

// CreateThread opens a new server-side thread.
func (s *ProjectStrategy) CreateThread(ctx context.Context, _ *string) (string, error) {
	if s.initErr != nil {
		return "", s.initErr
	}
	if s.client == nil {
		return "", fmt.Errorf("%w: no project client", ErrRuntimeUnavailable)
	}
	thread, err := s.client.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: create thread: %w", ErrRuntimeUnavailable, err)
	}
	return thread.ID, nil
}

// answerFromMessages returns the first non-empty assistant text segment.
func answerFromMessages(messages []Message) string {
	for _, m := range messages {
		if m.Role != "assistant" {
			continue
		}
		for _, c := range m.Content {
			if c.Text != nil && strings.TrimSpace(c.Text.Value) != "" {
				return c.Text.Value
			}
		}
	}
	return ""
}

var runAnswerFields = []string{"output", "result", "answer", "content"}

func answerFromRun(payload map[string]any) string {
	for _, k := range runAnswerFields {
		if text, ok := valueText(payload[k]); ok {
			return text
		}
	}
	return ""
}

func citationsFromSteps(steps []RunStep) []schema.Citation {
	citations := []schema.Citation{}
	for _, step := range steps {
		for _, call := range step.StepDetails.ToolCalls {
			url := firstString(call, "url", "target")
			snippet := firstString(call, "result", "content")
			if url == "" || snippet == "" {
				continue
			}
			citations = append(citations, schema.Citation{URL: url, Snippet: schema.Ptr(snippet)})
		}
	}
	return citations
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func runStatus(r *Run) string {
	if r == nil {
		return ""
	}
	return r.Status
}
