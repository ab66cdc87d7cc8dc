package dialogue

import (
	"strings"
	"unicode"
)

// Answer is the interpretation of a reply to a confirmation question.
type Answer int

const (
	AnswerUnknown Answer = iota
	AnswerYes
	AnswerNo
)

var yesWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "y": true, "sure": true, "correct": true,
	"right": true, "ok": true, "okay": true, "exactly": true, "affirmative": true,
	"si": true, "sì": true, "certo": true, "esatto": true, "giusto": true, "corretto": true,
}

var noWords = map[string]bool{
	"no": true, "nope": true, "n": true, "nah": true, "wrong": true, "incorrect": true,
	"not": true, "negative": true, "non": true, "sbagliato": true, "errato": true,
}

var yesPhrases = []string{"that's right", "that is right", "va bene", "of course", "per favore si"}

// Interpret classifies a confirmation reply. Replies carrying both yes and no
// words ("yes, no wait") are unknown.
func Interpret(reply string) Answer {
	s := strings.ToLower(strings.TrimSpace(reply))
	if s == "" {
		return AnswerUnknown
	}
	for _, p := range yesPhrases {
		if strings.Contains(s, p) {
			return AnswerYes
		}
	}

	yes, no := false, false
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		w = strings.Trim(w, "'")
		if yesWords[w] {
			yes = true
		}
		if noWords[w] {
			no = true
		}
	}
	switch {
	case yes && !no:
		return AnswerYes
	case no && !yes:
		return AnswerNo
	default:
		return AnswerUnknown
	}
}
