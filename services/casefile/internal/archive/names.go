package archive

import (
	"path"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldName reduces a file name to ASCII letters, digits, dot, dash and
// underscore. Accented letters lose their marks, anything else becomes '_'.
func foldName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, strings.TrimSpace(name))
	if err != nil {
		folded = name
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "file"
	}
	return out
}

// namer hands out unique archive paths, suffixing -2, -3... before the
// extension on collision.
type namer struct {
	used map[string]bool
}

func newNamer() *namer { return &namer{used: map[string]bool{}} }

func (n *namer) take(dir, name string) string {
	name = foldName(name)
	candidate := path.Join(dir, name)
	if !n.used[strings.ToLower(candidate)] {
		n.used[strings.ToLower(candidate)] = true
		return candidate
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate = path.Join(dir, stem+"-"+strconv.Itoa(i)+ext)
		if !n.used[strings.ToLower(candidate)] {
			n.used[strings.ToLower(candidate)] = true
			return candidate
		}
	}
}
