package adapter

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

// GeminiClient implements LLM and Embedder on the Gemini API.
type GeminiClient struct {
	client          *genai.Client
	generativeModel string
	embeddingModel  string
	embeddingDim    int
}

type GeminiOption func(*GeminiClient)

func WithGenerativeModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.generativeModel = model
	}
}

func WithEmbeddingModel(model string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = model
	}
}

// WithEmbeddingDimension requests a specific output dimensionality from
// the embedding model. All vectors of one deployment must share it.
func WithEmbeddingDimension(dim int) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingDim = dim
	}
}

func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:          client,
		generativeModel: "gemini-2.5-flash",
		embeddingModel:  "gemini-embedding-001",
		embeddingDim:    768,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// split converts provider-neutral messages into genai contents plus an
// optional system instruction.
func split(msgs []Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			config.SystemInstruction = genai.NewContentFromText(msg.Content, "")
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, config
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var parts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "")
}

func (g *GeminiClient) Generate(ctx context.Context, msgs []Message) (string, error) {
	contents, config := split(msgs)
	resp, err := g.client.Models.GenerateContent(ctx, g.generativeModel, contents, config)
	if err != nil {
		return "", goerr.Wrap(err, "failed to generate content")
	}
	return responseText(resp), nil
}

func (g *GeminiClient) GenerateStream(ctx context.Context, msgs []Message, fn func(string)) (string, error) {
	contents, config := split(msgs)

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.generativeModel, contents, config) {
		if err != nil {
			return "", goerr.Wrap(err, "failed to stream content")
		}
		if fragment := responseText(resp); fragment != "" {
			full.WriteString(fragment)
			if fn != nil {
				fn(fragment)
			}
		}
	}
	return full.String(), nil
}

func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	config := &genai.EmbedContentConfig{}
	if g.embeddingDim > 0 {
		dim := int32(g.embeddingDim)
		config.OutputDimensionality = &dim
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, genai.Text(text), config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed content")
	}
	if len(resp.Embeddings) == 0 {
		return nil, goerr.New("embedding response is empty")
	}
	return resp.Embeddings[0].Values, nil
}

func (g *GeminiClient) Dimension() int {
	return g.embeddingDim
}
