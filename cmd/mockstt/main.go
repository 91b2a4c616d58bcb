// Command mockstt is a local stand-in for the OpenAI audio transcription and
// chat completion endpoints. Point transcription.openai.base_url and
// refine.base_url at http://localhost:9000/v1 to run the service offline.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/skypro1111/dictation-service/internal/audio"
)

func transcribeHandler(text string, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "Error parsing form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "Error getting audio file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "Error reading audio file", http.StatusInternalServerError)
			return
		}

		info, err := audio.GetWAVInfo(data)
		if err != nil {
			http.Error(w, "Invalid WAV upload: "+err.Error(), http.StatusBadRequest)
			return
		}

		log.Printf("TRANSCRIPTION REQUEST: file=%s model=%s language=%s size=%d duration=%.2fs rate=%d",
			header.Filename, r.FormValue("model"), r.FormValue("language"),
			len(data), info.Duration, info.SampleRate)
		if prompt := r.FormValue("prompt"); prompt != "" {
			log.Printf("  prompt: %q", prompt)
		}

		time.Sleep(delay)

		writeJSON(w, openai.AudioResponse{
			Language: r.FormValue("language"),
			Duration: info.Duration,
			Text:     text,
		})
		log.Printf("TRANSCRIPTION RESPONSE SENT: %q", text)
	}
}

// chatHandler echoes the transcript from the last user message as the completion.
func chatHandler(delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		var content string
		for _, m := range req.Messages {
			if m.Role == openai.ChatMessageRoleUser {
				content = m.Content
			}
		}
		// Return only the transcript section of the polish prompt
		if _, after, ok := strings.Cut(content, "Original-Transkript:\n"); ok {
			content, _, _ = strings.Cut(after, "\n\n")
		}
		content = strings.TrimSpace(content)

		log.Printf("CHAT REQUEST: model=%s messages=%d chars=%d", req.Model, len(req.Messages), len(content))
		time.Sleep(delay)

		writeJSON(w, openai.ChatCompletionResponse{
			ID:      "mock-" + time.Now().Format("150405.000"),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: content,
				},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

func newMux(text string, delay time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audio/transcriptions", transcribeHandler(text, delay))
	mux.HandleFunc("/v1/chat/completions", chatHandler(delay))
	return mux
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	text := flag.String("text", "Befund makro normal", "Text returned for every transcription")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated processing time")
	flag.Parse()

	log.Printf("Mock transcription server starting on %s", *addr)
	log.Printf("Set transcription.openai.base_url and refine.base_url to http://localhost%s/v1", *addr)

	if err := http.ListenAndServe(*addr, newMux(*text, *delay)); err != nil {
		log.Fatal("Server failed to start: ", err)
	}
}
