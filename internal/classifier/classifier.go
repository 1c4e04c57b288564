package classifier

import (
	"context"
	"fmt"
	"strings"
)

type Decision string

const (
	Speak Decision = "SPEAK"
	Stop  Decision = "STOP"
	Pass  Decision = "PASS"
)

// Parse accepts a bare decision word, tolerating case, punctuation and surrounding text.
func Parse(s string) (Decision, error) {
	up := strings.ToUpper(s)
	for _, field := range strings.FieldsFunc(up, func(r rune) bool { return r < 'A' || r > 'Z' }) {
		switch Decision(field) {
		case Speak, Stop, Pass:
			return Decision(field), nil
		}
	}
	return Pass, fmt.Errorf("unrecognized activation decision %q", s)
}

type Classifier interface {
	Classify(ctx context.Context, lines []string) (Decision, error)
}
