package conversation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Sanitize converts emoji to literal \uXXXX escapes (UTF-16 code units) and
// escapes the characters the peer stores as entities. Outbound text always
// goes through Sanitize, and pending-echo matching compares sanitized forms.
func Sanitize(input string) string {
	if input == "" {
		return ""
	}
	s := EncodeEmoji(input)
	return sanitizeReplacer.Replace(s)
}

// replacement order matters: backslashes first so later escapes are not doubled
var sanitizeReplacer = strings.NewReplacer(
	`\`, `\\`,
	`/`, `\/`,
	`"`, `&quot;`,
	`'`, `&#39;`,
	`{`, `&#123;`,
	`}`, `&#125;`,
	`[`, `&#91;`,
	`]`, `&#93;`,
	`<`, `&lt;`,
	`>`, `&gt;`,
)

// EncodeEmoji rewrites emoji runes as \uXXXX sequences. Runes outside the BMP
// become surrogate pairs.
func EncodeEmoji(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if !isEmoji(r) {
			b.WriteRune(r)
			continue
		}
		if r > 0xFFFF {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&b, `\u%04x`, r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0x200D, r == 0xFE0F, r == 0x20E3:
		return true
	case r >= 0xE0020 && r <= 0xE007F:
		return true
	}
	return false
}

var (
	unicodeEscape = regexp.MustCompile(`\\+u([0-9a-fA-F]{4})`)
	entityDecoder = strings.NewReplacer(
		`&quot;`, `"`,
		`&#39;`, `'`,
		`&#123;`, `{`,
		`&#125;`, `}`,
		`&#91;`, `[`,
		`&#93;`, `]`,
		`&lt;`, `<`,
		`&gt;`, `>`,
		`\/`, `/`,
		`\\`, `\`,
		`\n`, "\n",
		`\t`, "\t",
	)
)

// Display reverses Sanitize for presentation: entities are decoded and
// \uXXXX sequences (with any number of leading backslashes) become runes.
func Display(raw string) string {
	text := strings.TrimSpace(raw)
	text = strings.TrimSuffix(strings.TrimPrefix(text, `"`), `"`)
	text = decodeUnicodeEscapes(text)
	return entityDecoder.Replace(text)
}

func decodeUnicodeEscapes(s string) string {
	matches := unicodeEscape.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	units := make([]uint16, 0, len(matches))
	var b strings.Builder
	last := 0
	flush := func() {
		if len(units) > 0 {
			b.WriteString(string(utf16.Decode(units)))
			units = units[:0]
		}
	}
	for _, m := range matches {
		if m[0] != last {
			flush()
			b.WriteString(s[last:m[0]])
		}
		v, _ := strconv.ParseUint(s[m[2]:m[3]], 16, 16)
		units = append(units, uint16(v))
		last = m[1]
	}
	flush()
	b.WriteString(s[last:])
	return b.String()
}
