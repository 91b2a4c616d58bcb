package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/skypro1111/dictation-service/internal/audio"
	"github.com/skypro1111/dictation-service/internal/prompt"
)

func newMockClient(t *testing.T) *openai.Client {
	t.Helper()

	srv := httptest.NewServer(newMux("Lunge frei.", 0))
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("sk-mock")
	cfg.BaseURL = srv.URL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestMockTranscription(t *testing.T) {
	client := newMockClient(t)

	wav, err := audio.EncodeWAV(make([]byte, 3200), audio.SampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	resp, err := client.CreateTranscription(context.Background(), openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "turn.wav",
		Reader:   bytes.NewReader(wav),
		Language: "de",
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		t.Fatalf("CreateTranscription failed: %v", err)
	}
	if resp.Text != "Lunge frei." {
		t.Errorf("Expected mock text, got %q", resp.Text)
	}
}

func TestMockChatEchoesTranscript(t *testing.T) {
	client := newMockClient(t)

	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model: openai.GPT4oMini,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt.Polish("Herz normal groß.", "de-DE")},
		},
	})
	if err != nil {
		t.Fatalf("CreateChatCompletion failed: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Herz normal groß." {
		t.Errorf("Unexpected completion %+v", resp.Choices)
	}
}
