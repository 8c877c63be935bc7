package main

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wolfman30/chat-session-engine/internal/conversation"
	"github.com/wolfman30/chat-session-engine/internal/feedback"
	"github.com/wolfman30/chat-session-engine/internal/session"
)

var errUsage = errors.New("usage")

type command struct {
	name string
	args []string
	text string
}

const helpText = `commands:
  <text>                    send a message
  /select <menu> <option>   answer a menu
  /resend <id>              resend a failed message
  /rate <id> like|dislike   rate an AI reply
  /demand yes|no            answer the demand question
  /stars <1-5>              rate the session
  /upload <path>            send a file
  /download <key> <path>    save an attachment
  /voice <audio> [phrase]   send a recording with an optional transcript
  /prefs                    show preferences
  /dark on|off              toggle dark mode
  /reset                    start a new session on the next action
  /status                   print the session state
  /quit                     leave`

// parseCommand splits a CLI line. Lines not starting with "/" are plain text.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}, nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, fmt.Errorf("%w: empty command", errUsage)
	}
	c := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	want := map[string]int{
		"select": 2, "resend": 1, "rate": 2, "demand": 1, "stars": 1,
		"upload": 1, "download": 2, "voice": 1, "dark": 1,
	}
	switch c.name {
	case "select", "resend", "rate", "demand", "stars", "upload", "download", "voice", "dark":
		if len(c.args) < want[c.name] {
			return command{}, fmt.Errorf("%w: /%s needs %d argument(s)", errUsage, c.name, want[c.name])
		}
	case "prefs", "reset", "status", "help", "quit":
	default:
		return command{}, fmt.Errorf("%w: unknown command /%s", errUsage, c.name)
	}
	if c.name == "voice" && len(c.args) > 1 {
		c.text = strings.Join(c.args[1:], " ")
	}
	return c, nil
}

func parseValue(s string) (feedback.Value, error) {
	switch strings.ToLower(s) {
	case "like", "l", "+":
		return feedback.Like, nil
	case "dislike", "d", "-":
		return feedback.Dislike, nil
	}
	return "", fmt.Errorf("%w: rating must be like or dislike", errUsage)
}

func parseYesNo(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y", "sim", "s":
		return true, nil
	case "no", "n", "nao", "não":
		return false, nil
	}
	return false, fmt.Errorf("%w: answer yes or no", errUsage)
}

func parseStars(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 5 {
		return 0, fmt.Errorf("%w: stars must be 1-5", errUsage)
	}
	return n, nil
}

// mediaFor maps a file name to its MIME type and attachment family.
func mediaFor(path string) (string, conversation.MediaKind) {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return mt, conversation.MediaImage
	case strings.HasPrefix(mt, "video/"):
		return mt, conversation.MediaVideo
	case mt == "":
		return "application/octet-stream", conversation.MediaDocument
	default:
		return mt, conversation.MediaDocument
	}
}

// printer renders snapshot changes. It remembers the last line printed per
// entry and only writes entries that are new or changed.
type printer struct {
	out   io.Writer
	seen  map[string]string
	state session.State
	queue int
	agent string
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, seen: map[string]string{}, state: -1}
}

func (p *printer) print(s session.Snapshot) {
	if s.State != p.state {
		fmt.Fprintf(p.out, "* session %s %s\n", s.State, s.Protocol)
		p.state = s.State
	}
	if s.QueuePosition != p.queue {
		if s.QueuePosition > 0 {
			fmt.Fprintf(p.out, "* queue position %d\n", s.QueuePosition)
		}
		p.queue = s.QueuePosition
	}
	if s.AgentID != p.agent {
		if s.AgentID != "" {
			fmt.Fprintf(p.out, "* agent %s joined\n", s.AgentID)
		}
		p.agent = s.AgentID
	}
	for _, m := range s.Entries {
		line := formatEntry(m)
		if p.seen[m.ID] == line {
			continue
		}
		p.seen[m.ID] = line
		fmt.Fprintln(p.out, line)
	}
	switch s.Survey {
	case session.SurveyDemand:
		p.once("survey:demand", "* was your demand resolved? /demand yes|no")
	case session.SurveyStars:
		p.once("survey:stars", "* how would you rate the service? /stars 1-5")
	}
}

func (p *printer) once(key, line string) {
	if _, ok := p.seen[key]; ok {
		return
	}
	p.seen[key] = line
	fmt.Fprintln(p.out, line)
}

func (p *printer) notice(n session.Notice) {
	if n.Detail == "" {
		fmt.Fprintf(p.out, "! %s\n", n.Title)
		return
	}
	fmt.Fprintf(p.out, "! %s: %s\n", n.Title, n.Detail)
}

func formatEntry(m conversation.Message) string {
	who := map[conversation.Kind]string{
		conversation.KindUserText:   "you",
		conversation.KindAIText:     "ai",
		conversation.KindAgentText:  "agent",
		conversation.KindButtonMenu: "menu",
		conversation.KindSystem:     "info",
		conversation.KindVoiceAudio: "voice",
	}[m.Kind]

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", shortID(m.ID), who)
	if m.Kind == conversation.KindUserText || m.Kind == conversation.KindVoiceAudio {
		fmt.Fprintf(&b, " (%s)", statusLabel(m.Status))
	}
	b.WriteString(": ")
	switch {
	case m.Payload.Attachment != nil:
		fmt.Fprintf(&b, "<%s %s>", m.Payload.Attachment.Media, m.Payload.Attachment.Key)
	case m.Payload.Menu != nil:
		b.WriteString(conversation.Display(m.Payload.Menu.Text))
		for _, o := range m.Payload.Menu.Options {
			fmt.Fprintf(&b, "\n    %s) %s", o.ID, o.Text)
			if o.URL != "" {
				fmt.Fprintf(&b, " <%s>", o.URL)
			}
		}
		if m.Inert {
			b.WriteString("\n    (closed)")
		} else {
			fmt.Fprintf(&b, "\n    /select %s <option>", m.ID)
		}
	case m.Kind == conversation.KindVoiceAudio:
		if m.Transcript == "" {
			b.WriteString("<audio>")
		} else {
			fmt.Fprintf(&b, "<audio> %q", m.Transcript)
		}
	default:
		b.WriteString(conversation.Display(m.Payload.Text))
	}
	return b.String()
}

func statusLabel(s conversation.Status) string {
	switch s {
	case conversation.StatusPending:
		return "sending"
	case conversation.StatusAccepted:
		return "sent"
	case conversation.StatusFailed:
		return "failed"
	case conversation.StatusErrorAck:
		return "error"
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveID expands a printed id prefix to the full entry id.
func resolveID(entries []conversation.Message, prefix string) (string, error) {
	var found string
	for _, m := range entries {
		if !strings.HasPrefix(m.ID, prefix) {
			continue
		}
		if m.ID == prefix {
			return m.ID, nil
		}
		if found != "" {
			return "", fmt.Errorf("%w: id %q is ambiguous", errUsage, prefix)
		}
		found = m.ID
	}
	if found == "" {
		return "", conversation.ErrNotFound
	}
	return found, nil
}
