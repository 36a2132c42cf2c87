package imageapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"imagine-engine-server/modules/common/retry"
	"imagine-engine-server/modules/provider"
)

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse - choices가 비어 있는 응답
var ErrEmptyResponse = errors.New("empty response from model")

// GenerateInput - 이미지 생성 요청
type GenerateInput struct {
	Prompt      string
	Images      []string // data URL 또는 http(s) URL
	Model       string
	AspectRatio string
}

// Result - 이미지 생성 결과
type Result struct {
	ImageURL string `json:"imageUrl"`
	Text     string `json:"text,omitempty"`
	Model    string `json:"model"`
}

// ChatMessage - 채팅 메시지
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client - OpenAI 호환 chat completions 및 Gemini 백엔드 호출
type Client struct {
	httpClient *http.Client
}

// NewClient - 요청 타임아웃이 설정된 클라이언트 생성
func NewClient(timeout time.Duration) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}}
}

// Generate - 프롬프트(+참조 이미지)로 이미지 생성
func (c *Client) Generate(ctx context.Context, p provider.Provider, in GenerateInput) (*Result, error) {
	model := p.ModelOr(in.Model)
	if model == "" {
		return nil, fmt.Errorf("no image model configured for provider %s", p.Name)
	}

	log.Printf("🎨 [ImageAPI] Generating with %s/%s (%d reference images)", p.Name, model, len(in.Images))

	if p.Native() {
		return retry.WithKeys(ctx, nativeKeys(p), func(ctx context.Context, key string) (*Result, error) {
			return generateGemini(ctx, p, key, model, in)
		})
	}

	prompt := in.Prompt
	if in.AspectRatio != "" {
		prompt += "\n\nAspect ratio: " + in.AspectRatio
	}

	parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(prompt)}
	for _, img := range in.Images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL: img,
		}))
	}

	params := openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: parts,
				},
			},
		}},
	}

	return retry.WithKeys(ctx, p.APIKeys, func(ctx context.Context, key string) (*Result, error) {
		client := c.openaiClient(p, key)
		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, ErrEmptyResponse
		}

		text := resp.Choices[0].Message.Content
		imageURL, err := ExtractImageURL(text)
		if err != nil {
			log.Printf("⚠️  [ImageAPI] No image in response from %s: %s", model, truncate(text, 200))
			return nil, err
		}

		log.Printf("✅ [ImageAPI] Received image from %s", model)
		return &Result{ImageURL: imageURL, Text: text, Model: model}, nil
	})
}

// Chat - 텍스트 채팅 완료
func (c *Client) Chat(ctx context.Context, p provider.Provider, messages []ChatMessage, model string) (string, error) {
	if model == "" {
		model = p.ChatModel
	}

	if p.Native() {
		return retry.WithKeys(ctx, nativeKeys(p), func(ctx context.Context, key string) (string, error) {
			return chatGemini(ctx, p, key, model, messages)
		})
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: convertMessages(messages),
	}

	return retry.WithKeys(ctx, p.APIKeys, func(ctx context.Context, key string) (string, error) {
		client := c.openaiClient(p, key)
		resp, err := client.Chat.Completions.New(ctx, params)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyResponse
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// ChatStream - 스트리밍 채팅, 델타마다 onDelta 호출 후 전체 텍스트 반환
// gemini/vertex 프로바이더는 한 번에 전체 텍스트를 델타로 전달
func (c *Client) ChatStream(ctx context.Context, p provider.Provider, messages []ChatMessage, model string, onDelta func(string) error) (string, error) {
	if model == "" {
		model = p.ChatModel
	}

	if p.Native() {
		text, err := c.Chat(ctx, p, messages, model)
		if err != nil {
			return "", err
		}
		return text, onDelta(text)
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: convertMessages(messages),
	}

	return retry.WithKeys(ctx, p.APIKeys, func(ctx context.Context, key string) (string, error) {
		client := c.openaiClient(p, key)
		stream := client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		var full strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			full.WriteString(delta)
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
		if err := stream.Err(); err != nil {
			return full.String(), err
		}
		return full.String(), nil
	})
}

func (c *Client) openaiClient(p provider.Provider, key string) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if p.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(p.BaseURL, "/")+"/"))
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	return openai.NewClient(opts...)
}

func convertMessages(messages []ChatMessage) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
