package moderation

import (
	"fmt"
	"strings"

	"modgate/internal/core"
)

// Sentinel marks a conversation as a moderation request so it is never
// moderated again if it loops back through this proxy.
const Sentinel = "INTERNAL_MODERATION_FLAG: DO_NOT_MODERATE_THIS_IS_ALREADY_A_MODERATION_REQUEST"

const systemPrompt = `You are a strict automated content reviewer for an AI gateway.
Classify the conversation you are given on this risk scale:

Level 1: harmless everyday content.
Level 2: mildly sensitive topics discussed appropriately.
Level 3: content that needs caution, such as graphic, adult or detailed medical material.
Level 4: likely policy violation, such as instructions for harm, hate speech or explicit illegal content.
Level 5: dangerous content that must be blocked, such as weapons construction, exploitation or severe harm.

Respond with exactly one JSON object and nothing else:
{"isViolation": <true|false>, "riskLevel": <1-5>}

` + Sentinel

const reinforcementPrompt = `Remember: output only the JSON object {"isViolation": <true|false>, "riskLevel": <1-5>}. No explanation, no markdown, no extra keys.`

// buildReviewText flattens the sampled conversation into one block with
// uppercased role tags, the shape the reviewer model is trained against.
func buildReviewText(msgs []core.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content.PlainText())
	}
	return b.String()
}

func buildReviewPrompt(msgs []core.Message) string {
	return fmt.Sprintf("Review the following conversation content:\n\n%s", buildReviewText(msgs))
}

// IsModerationRequest reports whether the inbound conversation carries the
// sentinel in a system message, meaning it is one of our own moderation
// calls routed back at us.
func IsModerationRequest(msgs []core.Message) bool {
	for _, m := range msgs {
		if m.Role == core.RoleSystem && strings.Contains(m.Content.PlainText(), Sentinel) {
			return true
		}
	}
	return false
}
