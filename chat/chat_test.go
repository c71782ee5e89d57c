package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skein-ai/skein/llm"
)

func chatmlTemplate() *Template {
	return &Template{
		System:    RoleTags{Prefix: "<|im_start|>system\n", Suffix: "<|im_end|>\n"},
		User:      RoleTags{Prefix: "<|im_start|>user\n", Suffix: "<|im_end|>\n"},
		Assistant: RoleTags{Prefix: "<|im_start|>assistant\n", Suffix: "<|im_end|>\n"},

		ReversePrompt: "<|im_start|>user\n",

		SystemHasSuffix:    true,
		SystemHasEnd:       true,
		FirstUserHasBegin:  true,
		FirstUserHasPrefix: true,
	}
}

// llama2Template models the handshake where the first user turn rides
// inside the system block: the first system message keeps no suffix/end and
// the first user message keeps no begin/prefix.
func llama2Template() *Template {
	return &Template{
		Global: RoleTags{Begin: "<s>"},
		System: RoleTags{Prefix: "[INST] <<SYS>>\n", Suffix: "\n<</SYS>>\n\n", End: " [/INST]"},
		User:   RoleTags{Begin: "<s>", Prefix: "[INST] ", End: " [/INST]"},

		SystemHasSuffix:    true,
		SystemHasEnd:       false,
		FirstUserHasBegin:  false,
		FirstUserHasPrefix: false,
	}
}

func TestApplyChatML(t *testing.T) {
	parts := chatmlTemplate().Apply([]Message{
		{Role: RoleSystem, Content: "Be terse."},
		{Role: RoleUser, Content: "Hi"},
	}, true)

	want := "<|im_start|>system\nBe terse.<|im_end|>\n" +
		"<|im_start|>user\nHi<|im_end|>\n" +
		"<|im_start|>assistant\n"
	assert.Equal(t, want, Text(parts))

	for _, p := range parts {
		if p.Kind == PartContent {
			assert.NotContains(t, p.Text, "<|im_start|>")
		}
	}
}

func TestApplyFirstPairSuppression(t *testing.T) {
	tmpl := llama2Template()

	parts := tmpl.Apply([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
	}, false)

	// First user begin/prefix suppressed, first system end suppressed.
	want := "<s>[INST] <<SYS>>\nsys\n<</SYS>>\n\nq1 [/INST]"
	assert.Equal(t, want, Text(parts))
}

func TestApplyLaterTurnsKeepTags(t *testing.T) {
	tmpl := llama2Template()

	parts := tmpl.Apply([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	}, false)

	// The second user turn carries its full begin+prefix.
	assert.Contains(t, Text(parts), "<s>[INST] q2 [/INST]")
}

func TestApplySystemOnlyKeepsUserTags(t *testing.T) {
	// Suppression applies only to the exact one-system one-user pairing;
	// with no system message the first user keeps its tags.
	tmpl := llama2Template()

	parts := tmpl.Apply([]Message{{Role: RoleUser, Content: "q"}}, false)
	assert.Equal(t, "<s><s>[INST] q [/INST]", Text(parts))
}

func TestApplyUnknownRole(t *testing.T) {
	parts := chatmlTemplate().Apply([]Message{{Role: "tool", Content: "out"}}, false)
	assert.Equal(t, "out", Text(parts))
	require.Len(t, parts, 1)
	assert.Equal(t, PartContent, parts[0].Kind)
}

func TestApplySingle(t *testing.T) {
	parts := chatmlTemplate().ApplySingle(RoleUser, "Hi")
	assert.Equal(t, "<|im_start|>user\nHi<|im_end|>\n", Text(parts))
}

func TestBuiltin(t *testing.T) {
	ts := Builtin()

	tmpl, err := ts.Get(DefaultTemplate)
	require.NoError(t, err)
	assert.NotEmpty(t, tmpl.ReversePrompt)

	parts := tmpl.Apply([]Message{{Role: RoleUser, Content: "Hi"}}, true)
	assert.Contains(t, Text(parts), "Hi")

	_, err = ts.Get("llama2")
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	src := `{
		"chatml": {
			"user": {"prefix": "<|im_start|>user\n", "suffix": "<|im_end|>\n"},
			"assistant": {"prefix": "<|im_start|>assistant\n", "suffix": "<|im_end|>\n"},
			"reverse-prompt": "<|im_start|>user\n",
			"systemuser-system-has-suffix": true,
			"systemuser-system-has-end": true,
			"systemuser-1st-user-has-begin": true,
			"systemuser-1st-user-has-prefix": true
		}
	}`

	ts, err := Load(strings.NewReader(src))
	require.NoError(t, err)

	tmpl, err := ts.Get("chatml")
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>user\n", tmpl.ReversePrompt)
	assert.True(t, tmpl.FirstUserHasPrefix)

	_, err = ts.Get("nope")
	assert.Error(t, err)
}

func TestLoadBadJSON(t *testing.T) {
	_, err := Load(strings.NewReader("{"))
	assert.Error(t, err)
}

type recordingTokenizer struct {
	llm.SimTokenizer
	special []bool
}

func (r *recordingTokenizer) Tokenize(text string, addSpecial, parseSpecial bool) ([]llm.Token, error) {
	r.special = append(r.special, parseSpecial)
	return r.SimTokenizer.Tokenize(text, addSpecial, parseSpecial)
}

func TestTokenizeSpecialOnlyOnTags(t *testing.T) {
	tok := &recordingTokenizer{}
	parts := chatmlTemplate().ApplySingle(RoleUser, "Hi")

	tokens, err := Tokenize(tok, parts)
	require.NoError(t, err)
	assert.Equal(t, len(Text(parts)), len(tokens))

	require.Len(t, tok.special, len(parts))
	for i, p := range parts {
		assert.Equal(t, p.Kind == PartSpecial, tok.special[i])
	}
}
