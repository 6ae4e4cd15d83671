package cmd

import (
	"io"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Printer formats user-facing CLI output for the locale in LC_ALL or LANG.
var Printer = newCLIPrinter()

// stdout receives command output; tests replace it.
var stdout io.Writer = os.Stdout

var supportedLangs = language.NewMatcher([]language.Tag{language.English, language.German})

func newCLIPrinter() *message.Printer {
	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	if i := strings.IndexAny(lang, ".@"); i != -1 {
		lang = lang[:i]
	}
	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return message.NewPrinter(language.English)
	}
	tag, _, _ = supportedLangs.Match(tag)
	return message.NewPrinter(tag)
}
