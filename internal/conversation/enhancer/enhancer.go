// Package enhancer optionally personalises rendered template text with a
// language model. The reply engine treats every enhancer as untrusted: output
// is validated and the raw template is always the fallback.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"crm_backend/internal/conversation/domain"
	"crm_backend/platform/ai/moonshot"
	"crm_backend/platform/config"
)

// ErrEmptyOutput is returned when the model produced no text.
var ErrEmptyOutput = errors.New("enhancer returned no text")

// Request describes one rendered reply to personalise.
type Request struct {
	ConversationID string
	TemplateKey    string
	Text           string
	Language       string
	Channel        domain.Channel
	CustomerName   string
}

// Enhancer rewrites rendered template text.
type Enhancer interface {
	Enhance(ctx context.Context, req Request) (string, error)
	Name() string
}

// Basic is the template-only strategy: it returns the rendered text unchanged.
type Basic struct{}

func (Basic) Enhance(_ context.Context, req Request) (string, error) {
	return req.Text, nil
}

func (Basic) Name() string { return "basic" }

// ModelAssisted rewrites replies through an ADK agent under a strict deadline.
type ModelAssisted struct {
	runner         *runner.Runner
	sessionService session.Service
	appName        string
	timeout        time.Duration
}

const defaultTimeout = 2 * time.Second

// New selects the strategy from configuration: model-assisted when enabled
// and a key is present, basic otherwise.
func New(cfg config.LLMConfig) (Enhancer, error) {
	if !cfg.IsLLMEnhanceEnabled() || strings.TrimSpace(cfg.GetMoonshotAPIKey()) == "" {
		return Basic{}, nil
	}
	kimi := moonshot.NewModel(moonshot.Config{APIKey: cfg.GetMoonshotAPIKey(), Temperature: 0.3})
	return NewModelAssisted(kimi, cfg.GetLLMEnhanceTimeout())
}

// NewModelAssisted builds the agent and runner around llm.
func NewModelAssisted(llm model.LLM, timeout time.Duration) (*ModelAssisted, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	adkAgent, err := llmagent.New(llmagent.Config{
		Name:        "ReplyEnhancer",
		Model:       llm,
		Description: "Rewrites pre-approved customer replies for a visa and company formation consultancy so they read naturally.",
		Instruction: systemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ADK agent: %w", err)
	}

	sessionService := session.InMemoryService()
	appName := "reply_enhancer"
	r, err := runner.New(runner.Config{
		AppName:        appName,
		Agent:          adkAgent,
		SessionService: sessionService,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ADK runner: %w", err)
	}

	return &ModelAssisted{
		runner:         r,
		sessionService: sessionService,
		appName:        appName,
		timeout:        timeout,
	}, nil
}

func (m *ModelAssisted) Name() string { return "model_assisted" }

// Enhance returns the rewritten text or an error; it never waits longer than
// the configured timeout.
func (m *ModelAssisted) Enhance(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	userID := "conversation-" + req.ConversationID
	sessionID := uuid.New().String()
	if _, err := m.sessionService.Create(ctx, &session.CreateRequest{
		AppName:   m.appName,
		UserID:    userID,
		SessionID: sessionID,
	}); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer func() {
		_ = m.sessionService.Delete(context.WithoutCancel(ctx), &session.DeleteRequest{
			AppName:   m.appName,
			UserID:    userID,
			SessionID: sessionID,
		})
	}()

	userMessage := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: buildPrompt(req)}},
	}
	runConfig := agent.RunConfig{StreamingMode: agent.StreamingModeNone}

	var output strings.Builder
	for event, err := range m.runner.Run(ctx, userID, sessionID, userMessage, runConfig) {
		if err != nil {
			return "", fmt.Errorf("enhancer run failed: %w", err)
		}
		if event == nil || event.Content == nil {
			continue
		}
		for _, part := range event.Content.Parts {
			if part != nil {
				output.WriteString(part.Text)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("enhancer deadline: %w", err)
	}

	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", ErrEmptyOutput
	}
	return text, nil
}

const systemPrompt = `You polish short customer-service messages for a UAE business setup and visa consultancy.
Rules:
- Keep every fact, number and date exactly as given. Do not add prices, promises or new information.
- Keep at most one question, and only if the original has one.
- Match the language of the original message.
- Reply with the final message text only, without quotes, labels or commentary.`

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Channel: ")
	b.WriteString(string(req.Channel))
	b.WriteString("\nLanguage: ")
	b.WriteString(req.Language)
	if req.CustomerName != "" {
		b.WriteString("\nCustomer name: ")
		b.WriteString(req.CustomerName)
	}
	b.WriteString("\nOriginal message:\n")
	b.WriteString(req.Text)
	return b.String()
}
