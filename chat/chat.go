// Package chat tags conversation messages with model-specific handshake
// text. Templates are plain configuration loaded from JSON, one per chat
// standard; nothing is process-global. The tagged output is returned as
// typed parts so tokenization can treat handshake tags and user content
// differently.
package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/skein-ai/skein/llm"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RoleTags is the handshake text wrapped around one role's content:
// begin + prefix + content + suffix + end.
type RoleTags struct {
	Begin  string `json:"begin,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	End    string `json:"end,omitempty"`
}

// Template describes one chat standard. The four Has flags control the
// asymmetric handshake between the first system message and the first user
// message that several standards require: when false, the corresponding tag
// is suppressed for that first system+user pair only.
type Template struct {
	Global    RoleTags `json:"global"`
	System    RoleTags `json:"system"`
	User      RoleTags `json:"user"`
	Assistant RoleTags `json:"assistant"`

	ReversePrompt string `json:"reverse-prompt,omitempty"`

	SystemHasSuffix    bool `json:"systemuser-system-has-suffix"`
	SystemHasEnd       bool `json:"systemuser-system-has-end"`
	FirstUserHasBegin  bool `json:"systemuser-1st-user-has-begin"`
	FirstUserHasPrefix bool `json:"systemuser-1st-user-has-prefix"`
}

// PartKind distinguishes handshake tags from message content.
type PartKind int

const (
	// PartSpecial marks template tag text, tokenized with special-token
	// parsing enabled.
	PartSpecial PartKind = iota
	// PartContent marks caller-provided message text.
	PartContent
)

// Part is one contiguous span of the tagged output.
type Part struct {
	Kind PartKind
	Text string
}

func (t *Template) roleTags(role string) RoleTags {
	switch role {
	case RoleSystem:
		return t.System
	case RoleUser:
		return t.User
	case RoleAssistant:
		return t.Assistant
	default:
		return RoleTags{}
	}
}

type partBuilder struct {
	parts []Part
}

func (b *partBuilder) add(kind PartKind, text string) {
	if text == "" {
		return
	}
	b.parts = append(b.parts, Part{Kind: kind, Text: text})
}

// Apply tags a whole conversation:
// global-begin + per-message (begin + prefix + content + suffix + end) +
// optional assistant begin+prefix cue + global-end. The first system+user
// pair honors the template's asymmetric handshake flags.
func (t *Template) Apply(msgs []Message, cueAssistant bool) []Part {
	var b partBuilder
	b.add(PartSpecial, t.Global.Begin)

	cntSystem, cntUser := 0, 0
	for _, msg := range msgs {
		tags := t.roleTags(msg.Role)

		switch msg.Role {
		case RoleSystem:
			cntSystem++
			b.add(PartSpecial, tags.Begin)
			b.add(PartSpecial, tags.Prefix)
		case RoleUser:
			cntUser++
			if cntSystem == 1 && cntUser == 1 {
				if t.FirstUserHasBegin {
					b.add(PartSpecial, tags.Begin)
				}
				if t.FirstUserHasPrefix {
					b.add(PartSpecial, tags.Prefix)
				}
			} else {
				b.add(PartSpecial, tags.Begin)
				b.add(PartSpecial, tags.Prefix)
			}
		default:
			b.add(PartSpecial, tags.Begin)
			b.add(PartSpecial, tags.Prefix)
		}

		b.add(PartContent, msg.Content)

		if msg.Role == RoleSystem && cntSystem == 1 {
			if t.SystemHasSuffix {
				b.add(PartSpecial, tags.Suffix)
			}
			if t.SystemHasEnd {
				b.add(PartSpecial, tags.End)
			}
		} else {
			b.add(PartSpecial, tags.Suffix)
			b.add(PartSpecial, tags.End)
		}
	}

	if cueAssistant {
		b.add(PartSpecial, t.Assistant.Begin)
		b.add(PartSpecial, t.Assistant.Prefix)
	}

	b.add(PartSpecial, t.Global.End)
	return b.parts
}

// ApplySingle tags one message without the global envelope or any
// first-pair handling.
func (t *Template) ApplySingle(role, content string) []Part {
	tags := t.roleTags(role)

	var b partBuilder
	b.add(PartSpecial, tags.Begin)
	b.add(PartSpecial, tags.Prefix)
	b.add(PartContent, content)
	b.add(PartSpecial, tags.Suffix)
	b.add(PartSpecial, tags.End)
	return b.parts
}

// Text joins parts into the final prompt string.
func Text(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Tokenize converts tagged parts to tokens, parsing special tokens only
// inside handshake tags so user content can never smuggle control tokens.
func Tokenize(tok llm.Tokenizer, parts []Part) ([]llm.Token, error) {
	var out []llm.Token
	for _, p := range parts {
		tokens, err := tok.Tokenize(p.Text, false, p.Kind == PartSpecial)
		if err != nil {
			return nil, fmt.Errorf("tokenize part: %w", err)
		}
		out = append(out, tokens...)
	}
	return out, nil
}

// Templates maps a chat standard id to its template.
type Templates map[string]*Template

// Load reads a template collection from JSON.
func Load(r io.Reader) (Templates, error) {
	var ts Templates
	if err := json.NewDecoder(r).Decode(&ts); err != nil {
		return nil, fmt.Errorf("decode chat templates: %w", err)
	}
	return ts, nil
}

// LoadFile reads a template collection from a JSON file.
func LoadFile(path string) (Templates, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Get returns the template for id, or an error naming the unknown id.
func (ts Templates) Get(id string) (*Template, error) {
	t, ok := ts[id]
	if !ok {
		return nil, fmt.Errorf("unknown chat template %q", id)
	}
	return t, nil
}
