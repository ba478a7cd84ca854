package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"productlab/internal/domain"
	"productlab/internal/providers"
)

const maxChatMessages = 50

type chatStreamRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string   `json:"role"`
		Content string   `json:"content"`
		Images  []string `json:"images"`
	} `json:"messages"`
}

type streamChunk struct {
	Delta string `json:"delta"`
	Full  string `json:"full"`
}

// ChatStream relays a provider chat stream as server-sent events. Every
// event carries the new fragment and the text so far; a final event named
// "done" or "error" ends the stream.
func (a *App) ChatStream(w http.ResponseWriter, r *http.Request) {
	if a.currentUserID(r) == "" {
		a.fail(w, r, domain.ErrUnauthorized)
		return
	}
	if a.Chat == nil {
		a.error(w, http.StatusServiceUnavailable, string(domain.CodeModelUnavailable), domain.DefaultMessage(domain.CodeModelUnavailable))
		return
	}
	var req chatStreamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidPayload), "Request body must be a JSON object.")
		return
	}
	if len(req.Messages) == 0 || len(req.Messages) > maxChatMessages {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidPayload), "messages must hold between 1 and 50 entries.")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, string(domain.CodeInternal), "Streaming is not supported.")
		return
	}

	chat := providers.ChatRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	for _, m := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		if role == "" {
			role = "user"
		}
		chat.Messages = append(chat.Messages, providers.ChatMessage{Role: role, Text: m.Content, Images: m.Images})
	}

	// The provider stream timeout bounds the response instead of the server
	// write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	var full string
	err := a.Chat.StreamChat(r.Context(), chat, func(delta, text string) error {
		full = text
		body, err := json.Marshal(streamChunk{Delta: delta, Full: text})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		body, _ := json.Marshal(errorBody{Code: string(domain.CodeOf(err)), Message: domain.MessageOf(err)})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
		flusher.Flush()
		if domain.CodeOf(err) != domain.CodeAborted {
			a.Logger.Warn().Err(err).Msg("api: chat stream failed")
		}
		return
	}
	body, _ := json.Marshal(streamChunk{Full: full})
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", body)
	flusher.Flush()
}
