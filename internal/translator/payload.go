// Package translator converts OpenAI-format chat requests into the
// evaluation payload the browser agent consumes. The translation is pure:
// aside from uuid generation it is a deterministic function of its inputs
// and performs no I/O.
package translator

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/router-for-me/LMArenaBridge/internal/registry"
	"github.com/tidwall/gjson"
)

// Attachment is one file extracted from an inline data URL, uploaded by the
// agent alongside the dispatch.
type Attachment struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

// Message is one node of the evaluation message graph. Parent ids form a
// strict chain; the participant marker and session id are shared across the
// graph.
type Message struct {
	ID                      string   `json:"id"`
	Role                    string   `json:"role"`
	Content                 string   `json:"content"`
	ExperimentalAttachments []any    `json:"experimental_attachments"`
	ParentMessageIDs        []string `json:"parentMessageIds"`
	ParticipantPosition     string   `json:"participantPosition"`
	ModelID                 *string  `json:"modelId"`
	EvaluationSessionID     string   `json:"evaluationSessionId"`
	Status                  string   `json:"status"`
	FailureReason           *string  `json:"failureReason"`
}

// EvaluationPayload is the structure dispatched to the agent for one request.
type EvaluationPayload struct {
	ID              string    `json:"id"`
	Mode            string    `json:"mode"`
	ModelAID        string    `json:"modelAId"`
	UserMessageID   string    `json:"userMessageId"`
	ModelAMessageID string    `json:"modelAMessageId"`
	Messages        []Message `json:"messages"`
	Modality        string    `json:"modality"`
}

var (
	dataURLExact  = regexp.MustCompile(`^data:(image/\w+);base64,(.*)$`)
	dataURLInline = regexp.MustCompile(`data:(image/\w+);base64,([a-zA-Z0-9+/=]+)`)
)

// intermediate message after content flattening, before id assignment.
type flatMessage struct {
	role    string
	content string
}

// BuildEvaluationPayload translates the raw OpenAI request body into the
// evaluation payload plus the attachments extracted from inline data URLs.
// The model must already be resolved by the caller.
func BuildEvaluationPayload(rawJSON []byte, model registry.Model) (*EvaluationPayload, []Attachment, error) {
	sessionID := uuid.NewString()
	attachments := make([]Attachment, 0)

	var processed []flatMessage
	gjson.GetBytes(rawJSON, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch {
		case content.IsArray():
			// Official multimodal content array: join text parts, lift
			// base64 images out as attachments.
			var textParts []string
			content.ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "text":
					textParts = append(textParts, part.Get("text").String())
				case "image_url":
					url := part.Get("image_url.url").String()
					if m := dataURLExact.FindStringSubmatch(url); m != nil {
						attachments = append(attachments, newAttachment(m[1], m[2]))
					}
				}
				return true
			})
			processed = append(processed, flatMessage{role: role, content: strings.Join(textParts, "\n")})
		case content.Type == gjson.String:
			// Plain string content may still embed data URLs; extract each
			// and strip it from the text.
			text := content.String()
			for _, m := range dataURLInline.FindAllStringSubmatch(text, -1) {
				attachments = append(attachments, newAttachment(m[1], m[2]))
			}
			if dataURLInline.MatchString(text) {
				text = strings.TrimSpace(dataURLInline.ReplaceAllString(text, ""))
			}
			processed = append(processed, flatMessage{role: role, content: text})
		default:
			processed = append(processed, flatMessage{role: role, content: content.String()})
		}
		return true
	})

	// The agent drops the trailing user turn for chat evaluations; a
	// synthetic blank user message right after the last real one keeps the
	// prompt intact. Image and video modalities do not need it.
	if model.Type == registry.TypeChat {
		if idx := lastUserIndex(processed); idx >= 0 {
			processed = append(processed[:idx+1], append([]flatMessage{{role: "user", content: " "}}, processed[idx+1:]...)...)
		}
	}

	messages := make([]Message, 0, len(processed)+1)
	ids := make([]string, len(processed))
	for i := range processed {
		ids[i] = uuid.NewString()
	}
	for i, msg := range processed {
		var parents []string
		if i > 0 {
			parents = []string{ids[i-1]}
		} else {
			parents = []string{}
		}

		role := msg.role
		if role != "user" && role != "assistant" && role != "data" {
			role = "user"
		}

		var modelID *string
		if role == "assistant" {
			id := model.ID
			modelID = &id
		}

		messages = append(messages, Message{
			ID:                      ids[i],
			Role:                    role,
			Content:                 msg.content,
			ExperimentalAttachments: []any{},
			ParentMessageIDs:        parents,
			ParticipantPosition:     "a",
			ModelID:                 modelID,
			EvaluationSessionID:     sessionID,
			Status:                  "pending",
		})
	}

	userMessageID := uuid.NewString()
	if len(ids) > 0 {
		userMessageID = ids[len(ids)-1]
	}

	// Reserved slot the agent fills with the model response.
	modelAMessageID := uuid.NewString()
	modelID := model.ID
	messages = append(messages, Message{
		ID:                      modelAMessageID,
		Role:                    "assistant",
		Content:                 "",
		ExperimentalAttachments: []any{},
		ParentMessageIDs:        []string{userMessageID},
		ParticipantPosition:     "a",
		ModelID:                 &modelID,
		EvaluationSessionID:     sessionID,
		Status:                  "pending",
	})

	payload := &EvaluationPayload{
		ID:              sessionID,
		Mode:            "direct",
		ModelAID:        model.ID,
		UserMessageID:   userMessageID,
		ModelAMessageID: modelAMessageID,
		Messages:        messages,
		Modality:        model.Type,
	}
	return payload, attachments, nil
}

func newAttachment(contentType, base64Data string) Attachment {
	ext := contentType
	if _, sub, ok := strings.Cut(contentType, "/"); ok {
		ext = sub
	}
	return Attachment{
		FileName:    "upload-" + uuid.NewString() + "." + ext,
		ContentType: contentType,
		Data:        base64Data,
	}
}

func lastUserIndex(msgs []flatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].role == "user" {
			return i
		}
	}
	return -1
}
