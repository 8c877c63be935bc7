package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"olá mundo", "olá mundo"},
		{`a\b`, `a\\b`},
		{"http://x/y", `http:\/\/x\/y`},
		{`"quoted" it's`, `&quot;quoted&quot; it&#39;s`},
		{"{[<>]}", "&#123;&#91;&lt;&gt;&#93;&#125;"},
		{"oi 😀", `oi \\ud83d\\ude00`},
		{"☀", `\\u2600`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), "input %q", tt.in)
	}
}

func TestEncodeEmoji(t *testing.T) {
	assert.Equal(t, `\ud83d\udc4d`, EncodeEmoji("👍"))
	assert.Equal(t, "ação", EncodeEmoji("ação"))
}

func TestDisplayReversesSanitize(t *testing.T) {
	for _, in := range []string{
		"oi 😀 tudo bem?",
		`caminho c:\temp\x`,
		"<b>{json}</b> [link](https://a.b/c)",
		`"aspas" e 'apóstrofo'`,
	} {
		assert.Equal(t, in, Display(Sanitize(in)), "input %q", in)
	}
}
