// Package fingerprint derives a deterministic sticky-session key from a
// request body, following the precedence rules the relay uses to decide
// whether two requests belong to the same logical conversation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
)

var sessionUserIDRe = regexp.MustCompile(`session_([a-f0-9-]{36})`)

// Generate computes the sticky-session fingerprint for a parsed request
// body, trying each rule in order and returning the first that produces a
// non-empty result. The second return value is false when none apply.
func Generate(body map[string]interface{}) (string, bool) {
	if id, ok := fromUserID(body); ok {
		return id, true
	}
	if content, ok := fromCacheableContent(body); ok {
		return hashContent(content), true
	}
	if content, ok := fromSystemPrompt(body); ok {
		return hashContent(content), true
	}
	if content, ok := fromFirstMessage(body); ok {
		return hashContent(content), true
	}
	return "", false
}

// GenerateFromJSON is a convenience wrapper for callers holding raw bytes.
func GenerateFromJSON(raw []byte) (string, bool) {
	var body map[string]interface{}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", false
	}
	return Generate(body)
}

// hashContent truncates SHA-256 to its first 16 bytes (32 hex chars), a
// 128-bit prefix, matching the original relay's session hash width exactly.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}

func fromUserID(body map[string]interface{}) (string, bool) {
	metadata, ok := body["metadata"].(map[string]interface{})
	if !ok {
		return "", false
	}
	userID, ok := metadata["user_id"].(string)
	if !ok {
		return "", false
	}
	m := sessionUserIDRe.FindStringSubmatch(userID)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func fromCacheableContent(body map[string]interface{}) (string, bool) {
	var b strings.Builder

	if parts, ok := body["system"].([]interface{}); ok {
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if !hasEphemeralCacheControl(part) {
				continue
			}
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
	}

	if messages, ok := body["messages"].([]interface{}); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			if !messageHasEphemeralCacheControl(msg) {
				continue
			}
			b.WriteString(extractMessageText(msg))
			break
		}
	}

	result := b.String()
	if result == "" {
		return "", false
	}
	return result, true
}

func hasEphemeralCacheControl(m map[string]interface{}) bool {
	cc, ok := m["cache_control"].(map[string]interface{})
	if !ok {
		return false
	}
	t, _ := cc["type"].(string)
	return t == "ephemeral"
}

func messageHasEphemeralCacheControl(msg map[string]interface{}) bool {
	if hasEphemeralCacheControl(msg) {
		return true
	}
	content, ok := msg["content"].([]interface{})
	if !ok {
		return false
	}
	for _, c := range content {
		part, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if hasEphemeralCacheControl(part) {
			return true
		}
	}
	return false
}

func fromSystemPrompt(body map[string]interface{}) (string, bool) {
	switch system := body["system"].(type) {
	case string:
		if system == "" {
			return "", false
		}
		return system, true
	case []interface{}:
		var b strings.Builder
		for _, p := range system {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
		if b.Len() == 0 {
			return "", false
		}
		return b.String(), true
	default:
		return "", false
	}
}

func fromFirstMessage(body map[string]interface{}) (string, bool) {
	messages, ok := body["messages"].([]interface{})
	if !ok || len(messages) == 0 {
		return "", false
	}
	msg, ok := messages[0].(map[string]interface{})
	if !ok {
		return "", false
	}
	text := extractMessageText(msg)
	if text == "" {
		return "", false
	}
	return text, true
}

func extractMessageText(msg map[string]interface{}) string {
	switch content := msg["content"].(type) {
	case string:
		return content
	case []interface{}:
		var b strings.Builder
		for _, c := range content {
			part, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t != "text" {
				continue
			}
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return b.String()
	default:
		return ""
	}
}
