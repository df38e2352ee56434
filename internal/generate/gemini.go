package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

const systemPrompt = `You draft audit working paper procedures.
Reply with one JSON object: {"questions": [...], "recommendations": [...]}.
Each question has "key" (snake_case), "question", "type" (one of text, textarea,
number, currency, checkbox, select, multiselect, table, group) and, where
relevant, "options", "columns", "fields" and "visibleIf". Each recommendation is
a short imperative sentence. Keep earlier keys when a prior answer refers to them.`

// contentGenerator is the slice of *genai.Models the generator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model for a batch. Unparseable replies degrade to an
// empty result; transport failures are returned.
type Gemini struct {
	models contentGenerator
	model  string
	logger zerolog.Logger
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

func NewGemini(ctx context.Context, cfg GeminiConfig, logger zerolog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGemini(client.Models, cfg.Model, logger), nil
}

func newGemini(models contentGenerator, model string, logger zerolog.Logger) *Gemini {
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		models: models,
		model:  model,
		logger: logger.With().Str("component", "gemini").Logger(),
	}
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	prompt, err := buildPrompt(req)
	if err != nil {
		return Result{}, err
	}
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return Result{}, fmt.Errorf("gemini generate %q: %w", req.Scope(), err)
	}
	if resp == nil {
		g.logger.Warn().Str("scope", req.Scope()).Msg("empty gemini response")
		return Result{}, nil
	}

	result, err := parseReply(resp.Text())
	if err != nil {
		g.logger.Warn().Err(err).Str("scope", req.Scope()).Msg("discarding malformed gemini reply")
		return Result{}, nil
	}
	return result, nil
}

func buildPrompt(req Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Procedure type: %s\n", req.ProcedureType)
	if req.Classification != "" {
		fmt.Fprintf(&b, "Classification: %s\n", req.Classification)
	} else {
		fmt.Fprintf(&b, "Section: %s\n", req.SectionID)
	}
	if req.Materiality != nil {
		fmt.Fprintf(&b, "Materiality: %v\n", *req.Materiality)
	}
	if len(req.Answers) > 0 {
		answers, err := json.Marshal(req.Answers)
		if err != nil {
			return "", fmt.Errorf("encode prior answers: %w", err)
		}
		fmt.Fprintf(&b, "Prior answers: %s\n", answers)
	}
	b.WriteString("Generate the questions and recommendations for this scope.")
	return b.String(), nil
}

// parseReply accepts a bare JSON object, the object inside a ```json fence, or
// a bare list of questions.
func parseReply(text string) (Result, error) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}
	if body == "" {
		return Result{}, fmt.Errorf("empty reply")
	}

	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return Result{}, fmt.Errorf("decode reply: %w", err)
	}
	switch v := decoded.(type) {
	case []any:
		return Result{Questions: v}, nil
	case map[string]any:
		return Result{Questions: v["questions"], Recommendations: v["recommendations"]}, nil
	default:
		return Result{}, fmt.Errorf("unexpected reply of type %T", decoded)
	}
}
