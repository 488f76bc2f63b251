package ai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
)

const (
	imagePrompt = "Kuvaile tämä kuva yksityiskohtaisesti suomeksi."

	imageFailurePrefix = "En pystynyt analysoimaan kuvaa: "
	audioFailurePrefix = "En pystynyt litteroimaan ääntä: "
	audioPrefix        = "Ääniviesti: "
	videoDescription   = "Video-viesti"
	documentPrefix     = "Dokumentti: "
)

// AnalyzeMedia describes the attachment at path for use as conversation
// context. It never fails: backend errors become a readable description and
// disabled analyses yield an empty string.
func (c *Client) AnalyzeMedia(ctx context.Context, path string, kind channels.MessageType) string {
	switch kind {
	case channels.MessageImage:
		if !c.cfg.ImageAnalysis {
			return ""
		}
		desc, err := c.describeImage(ctx, path)
		if err != nil {
			c.logger.Warn("ai: image analysis failed", "path", path, "error", err)
			return imageFailurePrefix + err.Error()
		}
		return desc

	case channels.MessageAudio:
		if !c.cfg.AudioTranscription {
			return ""
		}
		text, err := c.transcribe(ctx, path)
		if err != nil {
			c.logger.Warn("ai: transcription failed", "path", path, "error", err)
			return audioFailurePrefix + err.Error()
		}
		return audioPrefix + text

	case channels.MessageVideo:
		if !c.cfg.VideoAnalysis {
			return ""
		}
		return videoDescription

	case channels.MessageDocument:
		return documentPrefix + filepath.Base(path)
	}
	return ""
}

func (c *Client) describeImage(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", imageMIME(path, data), base64.StdEncoding.EncodeToString(data))

	var resp openai.ChatCompletionResponse
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.cfg.VisionModel,
			Messages: []openai.ChatCompletionMessage{{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: imagePrompt},
					{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailAuto,
					}},
				},
			}},
			MaxTokens: c.cfg.VisionMaxTokens,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	c.logger.Debug("ai: image analysed", "path", path, "tokens", resp.Usage.TotalTokens)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *Client) transcribe(ctx context.Context, path string) (string, error) {
	var resp openai.AudioResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateTranscription(ctx, openai.AudioRequest{
			Model:    c.cfg.TranscriptionModel,
			FilePath: path,
			Language: c.cfg.Language,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	c.logger.Debug("ai: audio transcribed", "path", path, "chars", len(resp.Text))
	return strings.TrimSpace(resp.Text), nil
}

// imageMIME picks the data URL type from the extension, falling back to
// content sniffing.
func imageMIME(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	}
	return http.DetectContentType(data)
}
