// Package bridge implements the request-lifecycle engine of the proxy: the
// in-flight request registry with its concurrency cap, the per-request
// bounded delivery queues, the agent frame grammar, and the disconnect
// grace-window watcher.
package bridge

import (
	"strings"

	"github.com/tidwall/gjson"
)

// FrameKind discriminates the agent frame union.
type FrameKind int

const (
	// FrameDelta is an incremental text delta (tag a0).
	FrameDelta FrameKind = iota
	// FrameMedia is a media descriptor list (tag a2).
	FrameMedia
	// FrameTerminal carries the finish reason (tag ad).
	FrameTerminal
	// FrameDone is the [DONE] sentinel; no more frames will arrive.
	FrameDone
	// FrameError is a terminal failure, either from the agent or injected
	// by the bridge on disconnect timeout.
	FrameError
)

// MediaItem is one entry of an a2 frame. Image models populate Image,
// video models populate URL.
type MediaItem struct {
	Image string
	URL   string
}

// Frame is the parsed form of one agent message for a single request.
// Inbound text is parsed exactly once, on the link; consumers never
// re-parse.
type Frame struct {
	Kind         FrameKind
	Delta        string
	Media        []MediaItem
	FinishReason string
	ErrMsg       string
}

// ErrorFrame builds a terminal error frame with the given message.
func ErrorFrame(msg string) Frame {
	return Frame{Kind: FrameError, ErrMsg: msg}
}

// ParseFrame parses the tagged wire form "<tag>:<json-or-text>" of an agent
// frame. It also recognises the bare "[DONE]" sentinel and JSON error
// objects. Returns ok=false for anything unintelligible, which the caller
// drops with a log line.
func ParseFrame(raw string) (Frame, bool) {
	if raw == "[DONE]" {
		return Frame{Kind: FrameDone}, true
	}

	// An error object can arrive in place of a tagged frame.
	if strings.HasPrefix(strings.TrimSpace(raw), "{") {
		parsed := gjson.Parse(raw)
		if errField := parsed.Get("error"); errField.Exists() {
			msg := errField.String()
			if errField.IsObject() {
				if m := errField.Get("message"); m.Exists() {
					msg = m.String()
				}
			}
			return Frame{Kind: FrameError, ErrMsg: msg}, true
		}
		return Frame{}, false
	}

	tag, body, found := strings.Cut(raw, ":")
	if !found {
		return Frame{}, false
	}

	switch tag {
	case "a0":
		delta := gjson.Parse(body)
		if delta.Type != gjson.String {
			return Frame{}, false
		}
		return Frame{Kind: FrameDelta, Delta: delta.String()}, true
	case "a2":
		list := gjson.Parse(body)
		if !list.IsArray() {
			return Frame{}, false
		}
		var media []MediaItem
		list.ForEach(func(_, item gjson.Result) bool {
			media = append(media, MediaItem{
				Image: item.Get("image").String(),
				URL:   item.Get("url").String(),
			})
			return true
		})
		return Frame{Kind: FrameMedia, Media: media}, true
	case "ad":
		reason := gjson.Get(body, "finishReason").String()
		if reason == "" {
			reason = "stop"
		}
		return Frame{Kind: FrameTerminal, FinishReason: reason}, true
	default:
		return Frame{}, false
	}
}
