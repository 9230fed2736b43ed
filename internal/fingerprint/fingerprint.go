// Package fingerprint derives deterministic cache keys from the semantic
// content of a chat request.
//
// Key format: "chat:" + hex(SHA-256(json{model, temperature, messages})).
// Only role and content of each message participate, in dialogue order.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/nulpointcorp/crm-chat-gateway/internal/chat"
)

// Prefix namespaces gateway keys when they share a Redis database.
const Prefix = "chat:"

type (
	keyMessage struct {
		Role    string `json:"r"`
		Content string `json:"c"`
	}

	keyPayload struct {
		Model       string       `json:"m"`
		Temperature string       `json:"t"`
		Messages    []keyMessage `json:"msgs"`
	}
)

// Generate returns the fingerprint for conv under the resolved model and
// temperature. The conversation must already be validated.
func Generate(conv chat.Conversation, model string, temperature float64) string {
	msgs := make([]keyMessage, len(conv))
	for i, m := range conv {
		msgs[i] = keyMessage{Role: string(m.Role), Content: m.Content}
	}

	// Shortest round-trip formatting: distinct floats never share a key.
	data, _ := json.Marshal(keyPayload{
		Model:       model,
		Temperature: strconv.FormatFloat(temperature, 'g', -1, 64),
		Messages:    msgs,
	})

	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}
