// Package prompt builds the chat messages sent to the language model.
package prompt

import (
	"fmt"
	"strings"

	"github.com/foxseedlab/teno/internal/generator"
)

func Classifier(botName string, lines []string) []generator.Message {
	system := fmt.Sprintf(`You monitor a live voice meeting that includes an assistant named %[1]s.
Read the most recent transcript lines and decide what %[1]s should do next.
Answer with exactly one word:
SPEAK if the latest lines address %[1]s or ask a question %[1]s should answer.
STOP if someone asks %[1]s to be quiet, stop talking or wait.
PASS otherwise.`, botName)
	return []generator.Message{
		{Role: generator.RoleSystem, Content: system},
		{Role: generator.RoleUser, Content: joinLines(lines)},
	}
}

func VoiceAnswer(botName string, lines []string) []generator.Message {
	system := fmt.Sprintf(`You are %[1]s, an assistant taking part in a voice meeting.
Your reply is converted to speech. Answer the latest request addressed to you
in a few short spoken sentences, without lists, markdown or emoji.
Reply in the language the participants are using.`, botName)
	return []generator.Message{
		{Role: generator.RoleSystem, Content: system},
		{Role: generator.RoleUser, Content: "Recent transcript:\n" + joinLines(lines)},
	}
}

// ChainMessage is one message of a text reply chain, oldest first.
type ChainMessage struct {
	AuthorName string
	FromBot    bool
	Content    string
}

func TextAnswer(botName string, transcript []string, chain []ChainMessage) []generator.Message {
	system := fmt.Sprintf(`You are %[1]s, an assistant that records a voice meeting.
Answer questions in the text chat using the meeting transcript below.
Say so when the transcript does not contain the answer.

Transcript:
%[2]s`, botName, joinLines(transcript))
	msgs := make([]generator.Message, 0, len(chain)+1)
	msgs = append(msgs, generator.Message{Role: generator.RoleSystem, Content: system})
	for _, m := range chain {
		if m.FromBot {
			msgs = append(msgs, generator.Message{Role: generator.RoleAssistant, Content: m.Content})
			continue
		}
		msgs = append(msgs, generator.Message{Role: generator.RoleUser, Content: m.AuthorName + ": " + m.Content})
	}
	return msgs
}

func MeetingTitle(lines []string) []generator.Message {
	return []generator.Message{
		{Role: generator.RoleSystem, Content: `Write a short title, at most eight words, for the meeting transcript the user sends.
Reply with the title only, in the language of the transcript, without quotes.`},
		{Role: generator.RoleUser, Content: joinLines(lines)},
	}
}

// CleanTitle trims quotes and keeps the first line of a model-written title.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(strings.Trim(s, "\"'「」` "))
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return "(no transcript yet)"
	}
	return strings.Join(lines, "\n")
}
