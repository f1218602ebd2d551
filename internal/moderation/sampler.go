package moderation

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"modgate/internal/core"
)

const (
	// charBudget bounds the total content handed to the reviewer model.
	charBudget = 30_000

	// nonUserShare is the slice of the budget reserved for system,
	// assistant and tool messages when the conversation is oversize.
	nonUserShare = 0.5

	// segmentDivisor sizes the head, middle and tail excerpts of a single
	// oversize user message.
	segmentDivisor = 3.5

	// minExcerptLen is the smallest excerpt worth including from a
	// leftover user message.
	minExcerptLen = 200
)

const truncationMark = "\n...[content truncated]...\n"

const oversizeNotice = "The client input was too large to review and has been removed. Treat this conversation as unreviewed oversized content."

// Sample is a reduced conversation plus whether any reduction happened.
type Sample struct {
	Messages []core.Message
	Partial  bool
}

// lockedRand serializes access to a rand.Rand shared across request
// goroutines.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *lockedRand) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

func (r *lockedRand) shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng.Shuffle(n, swap)
}

// Sampler normalizes conversations and shrinks oversize ones under the
// review budget. The random source drives middle-excerpt offsets and
// leftover shuffling; tests inject a seeded one.
type Sampler struct {
	rng *lockedRand
}

// NewSampler creates a sampler over the given random source.
func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{rng: &lockedRand{rng: rng}}
}

// Sample normalizes msgs and, when their total length exceeds the budget,
// packs a reduced bundle that stays under it.
func (s *Sampler) Sample(msgs []core.Message) Sample {
	normalized := normalize(msgs)
	if sumLen(normalized) <= charBudget {
		return Sample{Messages: normalized}
	}

	packed := s.pack(normalized)
	packed = capBundle(packed)
	return Sample{Messages: packed, Partial: true}
}

// normalize flattens every message to plain text: part lists keep only
// text parts, and string content that is itself JSON is re-indented so
// the reviewer sees structure instead of a single line.
func normalize(msgs []core.Message) []core.Message {
	out := make([]core.Message, 0, len(msgs))
	for _, m := range msgs {
		text := m.Content.PlainText()
		if !m.Content.IsParts {
			if indented, ok := indentJSON(text); ok {
				text = indented
			}
		}
		out = append(out, textMessage(m.Role, text))
	}
	return out
}

func indentJSON(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	if !json.Valid([]byte(trimmed)) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(trimmed), "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}

// pack builds the reduced bundle: non-user messages first under their
// reserved share, then user messages into whatever budget is left.
func (s *Sampler) pack(msgs []core.Message) []core.Message {
	var users, others []core.Message
	for _, m := range msgs {
		if m.Role == core.RoleUser {
			users = append(users, m)
		} else {
			others = append(others, m)
		}
	}

	out := make([]core.Message, 0, len(msgs))
	otherRoom := int(float64(charBudget) * nonUserShare)
	used := 0
	for _, m := range others {
		room := otherRoom - used
		if room <= 0 {
			break
		}
		text := m.Content.Text
		if len(text) > room {
			if cut, ok := truncate(text, room); ok {
				out = append(out, textMessage(m.Role, cut))
				used += len(cut)
			}
			break
		}
		out = append(out, m)
		used += len(text)
	}

	remaining := charBudget - used
	switch len(users) {
	case 0:
	case 1:
		if m, ok := s.sampleSingle(users[0], remaining); ok {
			out = append(out, m)
		}
	default:
		out = append(out, s.sampleMany(users, remaining)...)
	}
	return out
}

// sampleSingle reduces one oversize user message to head, random-offset
// middle and tail excerpts, each bounded by remaining/segmentDivisor.
func (s *Sampler) sampleSingle(m core.Message, remaining int) (core.Message, bool) {
	text := m.Content.Text
	if len(text) <= remaining {
		return m, true
	}

	segment := int(float64(remaining) / segmentDivisor)
	if segment < 1 {
		cut, ok := truncate(text, remaining)
		return textMessage(m.Role, cut), ok
	}

	head := text[:segment]
	tail := text[len(text)-segment:]
	offset := segment + s.intn(len(text)-3*segment+1)
	middle := text[offset : offset+segment]

	return textMessage(m.Role, head+truncationMark+middle+truncationMark+tail), true
}

// sampleMany includes whole user messages shortest-first while they fit,
// then spends what is left on head excerpts of the shuffled leftovers.
func (s *Sampler) sampleMany(users []core.Message, remaining int) []core.Message {
	sorted := make([]core.Message, len(users))
	copy(sorted, users)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Content.Text) < len(sorted[j].Content.Text)
	})

	out := make([]core.Message, 0, len(sorted))
	var leftovers []core.Message
	for _, m := range sorted {
		if len(m.Content.Text) <= remaining {
			out = append(out, m)
			remaining -= len(m.Content.Text)
		} else {
			leftovers = append(leftovers, m)
		}
	}

	s.shuffle(leftovers)
	for _, m := range leftovers {
		if remaining < minExcerptLen {
			break
		}
		cut, ok := truncate(m.Content.Text, remaining)
		if !ok {
			break
		}
		out = append(out, textMessage(m.Role, cut))
		remaining -= len(cut)
	}
	return out
}

// capBundle enforces the budget on an already-packed bundle: first drop
// the last user message, then fall back to a single notice message.
func capBundle(msgs []core.Message) []core.Message {
	if sumLen(msgs) <= charBudget {
		return msgs
	}

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == core.RoleUser {
			msgs = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	if sumLen(msgs) <= charBudget {
		return msgs
	}

	return []core.Message{textMessage(core.RoleSystem, oversizeNotice)}
}

// truncate keeps the head of text within room, ending with the visible
// truncation marker. Reports false when room cannot fit a marked excerpt.
func truncate(text string, room int) (string, bool) {
	if room <= len(truncationMark) {
		return "", false
	}
	if len(text) <= room {
		return text, true
	}
	return text[:room-len(truncationMark)] + truncationMark, true
}

func textMessage(role, text string) core.Message {
	return core.Message{Role: role, Content: core.NewTextContent(text)}
}

func sumLen(msgs []core.Message) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Content.Text)
	}
	return total
}

func (s *Sampler) intn(n int) int {
	return s.rng.intn(n)
}

func (s *Sampler) shuffle(msgs []core.Message) {
	s.rng.shuffle(len(msgs), func(i, j int) {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	})
}
