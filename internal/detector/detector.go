// Package detector guesses the programming language of a code snippet from a
// fixed, ordered table of line-start signatures.
package detector

import "regexp"

type Language string

const (
	Python     Language = "python"
	JavaScript Language = "javascript"
	Java       Language = "java"
	Cpp        Language = "cpp"
	PHP        Language = "php"
)

// Default is reported when no signature matches.
const Default = JavaScript

type signature struct {
	lang    Language
	pattern *regexp.Regexp
}

// Order matters: the first matching signature wins, so "class Foo" is always
// python even though four languages accept it.
var signatures = []signature{
	{Python, regexp.MustCompile(`(?m)^(import|from|def|class|print)`)},
	{JavaScript, regexp.MustCompile(`(?m)^(const|let|var|function|class|console)`)},
	{Java, regexp.MustCompile(`(?m)^(public|class|import|package)`)},
	{Cpp, regexp.MustCompile(`(?m)^(#include|using namespace|int main)`)},
	{PHP, regexp.MustCompile(`(?m)^(<\?php|namespace|use|class)`)},
}

// Detect returns the label of the first signature matching any line of text.
func Detect(text string) Language {
	for _, s := range signatures {
		if s.pattern.MatchString(text) {
			return s.lang
		}
	}
	return Default
}

// Languages lists the known labels in evaluation order.
func Languages() []Language {
	out := make([]Language, 0, len(signatures))
	for _, s := range signatures {
		out = append(out, s.lang)
	}
	return out
}

// Valid reports whether l is one of the known labels.
func Valid(l Language) bool {
	for _, s := range signatures {
		if s.lang == l {
			return true
		}
	}
	return false
}
