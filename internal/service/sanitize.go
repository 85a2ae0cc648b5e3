package service

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const maxSanitizePasses = 5

// SanitizeContent превращает ввод в простой текст: теги удаляются, содержимое script/style
// выбрасывается целиком. Текст после декодирования сущностей прогоняется повторно,
// пока не перестанет меняться, иначе &lt;script&gt; превратился бы в живой тег.
func SanitizeContent(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	for i := 0; i < maxSanitizePasses; i++ {
		next := stripMarkup(s)
		if next == s {
			return strings.TrimSpace(s)
		}
		s = next
	}
	// не сошлось - убираем угловые скобки целиком
	return strings.TrimSpace(strings.NewReplacer("<", "", ">", "").Replace(s))
}

func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skipDepth := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			if isRawTextTag(z) {
				skipDepth++
			}
		case html.EndTagToken:
			if isRawTextTag(z) && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style", "iframe", "object", "embed", "noscript", "template":
		return true
	}
	return false
}
