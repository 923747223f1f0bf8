package translator

import (
	"strings"
	"testing"

	"github.com/router-for-me/LMArenaBridge/internal/registry"
)

func chatModel() registry.Model {
	return registry.Model{Name: "test-chat", ID: "chat-model-id", Type: registry.TypeChat}
}

func imageModel() registry.Model {
	return registry.Model{Name: "test-image", ID: "image-model-id", Type: registry.TypeImage}
}

func TestBuildEvaluationPayloadChain(t *testing.T) {
	raw := []byte(`{"model":"test-chat","messages":[
		{"role":"system","content":"You are helpful."},
		{"role":"user","content":"Hello"},
		{"role":"assistant","content":"Hi there"},
		{"role":"user","content":"How are you?"}
	]}`)

	payload, attachments, err := BuildEvaluationPayload(raw, chatModel())
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 0 {
		t.Fatalf("attachments = %d, want 0", len(attachments))
	}

	// 4 originals + synthetic blank user + assistant placeholder.
	if len(payload.Messages) != 6 {
		t.Fatalf("messages = %d, want 6", len(payload.Messages))
	}

	// Parent ids form a strict chain from the first message.
	if len(payload.Messages[0].ParentMessageIDs) != 0 {
		t.Errorf("first message parents = %v, want []", payload.Messages[0].ParentMessageIDs)
	}
	for i := 1; i < len(payload.Messages); i++ {
		parents := payload.Messages[i].ParentMessageIDs
		if len(parents) != 1 || parents[0] != payload.Messages[i-1].ID {
			t.Errorf("message %d parents = %v, want [%s]", i, parents, payload.Messages[i-1].ID)
		}
	}

	// The system role is coerced to user.
	if payload.Messages[0].Role != "user" {
		t.Errorf("coerced role = %q, want user", payload.Messages[0].Role)
	}

	// The synthetic blank user message sits after the last real user turn.
	blank := payload.Messages[4]
	if blank.Role != "user" || blank.Content != " " {
		t.Errorf("synthetic message = %q/%q", blank.Role, blank.Content)
	}
	if payload.UserMessageID != blank.ID {
		t.Errorf("userMessageId = %s, want synthetic id %s", payload.UserMessageID, blank.ID)
	}

	// The placeholder the model fills in.
	tail := payload.Messages[5]
	if tail.Role != "assistant" || tail.Content != "" {
		t.Errorf("placeholder = %q/%q", tail.Role, tail.Content)
	}
	if tail.ModelID == nil || *tail.ModelID != "chat-model-id" {
		t.Errorf("placeholder modelId = %v", tail.ModelID)
	}
	if payload.ModelAMessageID != tail.ID {
		t.Errorf("modelAMessageId mismatch")
	}

	if payload.Mode != "direct" || payload.Modality != registry.TypeChat {
		t.Errorf("mode/modality = %s/%s", payload.Mode, payload.Modality)
	}

	// All messages share one session id.
	for i, m := range payload.Messages {
		if m.EvaluationSessionID != payload.ID {
			t.Errorf("message %d session id mismatch", i)
		}
		if m.ParticipantPosition != "a" {
			t.Errorf("message %d participant = %q", i, m.ParticipantPosition)
		}
		if m.Status != "pending" {
			t.Errorf("message %d status = %q", i, m.Status)
		}
	}
}

func TestAssistantMessagesCarryModelID(t *testing.T) {
	raw := []byte(`{"messages":[
		{"role":"user","content":"draw"},
		{"role":"assistant","content":"done"}
	]}`)

	payload, _, err := BuildEvaluationPayload(raw, chatModel())
	if err != nil {
		t.Fatal(err)
	}

	var sawAssistant bool
	for _, m := range payload.Messages {
		switch m.Role {
		case "assistant":
			sawAssistant = true
			if m.ModelID == nil || *m.ModelID != "chat-model-id" {
				t.Errorf("assistant modelId = %v", m.ModelID)
			}
		case "user":
			if m.ModelID != nil {
				t.Errorf("user message carries modelId %q", *m.ModelID)
			}
		}
	}
	if !sawAssistant {
		t.Fatal("no assistant message in payload")
	}
}

func TestImageModelSkipsSyntheticMessage(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"a cat"}]}`)

	payload, _, err := BuildEvaluationPayload(raw, imageModel())
	if err != nil {
		t.Fatal(err)
	}

	// 1 original + placeholder, no blank user turn.
	if len(payload.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(payload.Messages))
	}
	if payload.UserMessageID != payload.Messages[0].ID {
		t.Errorf("userMessageId should be the prompt message")
	}
	if payload.Modality != registry.TypeImage {
		t.Errorf("modality = %q", payload.Modality)
	}
}

func TestMultimodalContentArray(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":[
		{"type":"text","text":"What is in"},
		{"type":"text","text":"this picture?"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]}]}`)

	payload, attachments, err := BuildEvaluationPayload(raw, chatModel())
	if err != nil {
		t.Fatal(err)
	}

	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}
	att := attachments[0]
	if att.ContentType != "image/png" {
		t.Errorf("content type = %q", att.ContentType)
	}
	if att.Data != "aGVsbG8=" {
		t.Errorf("data = %q", att.Data)
	}
	if !strings.HasSuffix(att.FileName, ".png") {
		t.Errorf("file name = %q", att.FileName)
	}

	if payload.Messages[0].Content != "What is in\nthis picture?" {
		t.Errorf("joined content = %q", payload.Messages[0].Content)
	}
}

func TestInlineDataURLExtraction(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"look at this data:image/jpeg;base64,QUJD and tell me"}]}`)

	payload, attachments, err := BuildEvaluationPayload(raw, chatModel())
	if err != nil {
		t.Fatal(err)
	}

	if len(attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(attachments))
	}
	if attachments[0].ContentType != "image/jpeg" || attachments[0].Data != "QUJD" {
		t.Errorf("attachment = %+v", attachments[0])
	}

	content := payload.Messages[0].Content
	if strings.Contains(content, "base64") {
		t.Errorf("data URL not stripped: %q", content)
	}
}

func TestEmptyMessages(t *testing.T) {
	payload, attachments, err := BuildEvaluationPayload([]byte(`{"messages":[]}`), chatModel())
	if err != nil {
		t.Fatal(err)
	}
	if len(attachments) != 0 {
		t.Fatalf("attachments = %d", len(attachments))
	}
	// Just the assistant placeholder.
	if len(payload.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(payload.Messages))
	}
	if payload.UserMessageID == "" {
		t.Error("userMessageId empty")
	}
}
