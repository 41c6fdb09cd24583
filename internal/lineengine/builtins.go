package lineengine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/infoserv/shelld/internal/session"
)

// builtinFunc handles one built-in command. tokens is the full,
// whitespace-split line; line is the raw, untokenized text (used
// verbatim by tell/yell).
type builtinFunc func(e *Engine, tokens []string, line string) error

// builtins are recognized only when they are the first word of the
// whole line, and they consume the entire line: none of them can be
// combined with a pipe/redirection operator in this implementation.
// Every example in spec.md §4.1/§8 uses them this way; see DESIGN.md
// for the reasoning.
var builtins = map[string]builtinFunc{
	"exit":     builtinExit,
	"setenv":   builtinSetenv,
	"printenv": builtinPrintenv,
	"who":      builtinWho,
	"tell":     builtinTell,
	"yell":     builtinYell,
	"name":     builtinName,
}

func builtinExit(e *Engine, _ []string, _ string) error {
	msg := fmt.Sprintf("*** User '%s' left. ***\n", e.Session.Name())
	e.Sessions.Broadcast(msg, 0)
	return ErrExit
}

func builtinSetenv(e *Engine, tokens []string, _ string) error {
	if len(tokens) < 3 {
		return nil
	}
	e.Session.Setenv(tokens[1], tokens[2])
	return nil
}

func builtinPrintenv(e *Engine, tokens []string, _ string) error {
	if len(tokens) < 2 {
		return nil
	}
	if v, ok := e.Session.Getenv(tokens[1]); ok {
		fmt.Fprintf(e.Out, "%s\n", v)
	}
	return nil
}

func builtinWho(e *Engine, _ []string, _ string) error {
	var b strings.Builder
	b.WriteString("<ID>\t<nickname>\t<IP:port>\t<indicate me>\n")
	for _, s := range e.Sessions.Who() {
		fmt.Fprintf(&b, "%d\t%s\t%s", s.ID, s.Name(), s.Addr)
		if s.ID == e.Session.ID {
			b.WriteString("\t<-me")
		}
		b.WriteString("\n")
	}
	fmt.Fprint(e.Out, b.String())
	return nil
}

func builtinTell(e *Engine, tokens []string, line string) error {
	if len(tokens) < 3 {
		return nil
	}
	id, err := strconv.Atoi(tokens[1])
	if err != nil {
		return nil
	}

	target, ok := e.Sessions.Lookup(id)
	if !ok {
		fmt.Fprintf(e.Out, "*** Error: user #%d does not exist yet. ***\n", id)
		return nil
	}

	payload := strings.TrimSpace(strings.TrimSpace(line)[len(tokens[0]):])
	payload = strings.TrimSpace(payload[len(tokens[1]):])
	msg := fmt.Sprintf("*** %s told you ***: %s\n", e.Session.Name(), payload)
	select {
	case target.Inbox <- msg:
	default:
		e.Log.Warn().Int("session", target.ID).Msg("dropping tell, inbox full")
	}
	return nil
}

func builtinYell(e *Engine, tokens []string, line string) error {
	if len(tokens) < 2 {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimSpace(line)[len(tokens[0]):])
	msg := fmt.Sprintf("*** %s yelled ***: %s\n", e.Session.Name(), payload)
	e.Sessions.Broadcast(msg, 0)
	return nil
}

func builtinName(e *Engine, tokens []string, _ string) error {
	if len(tokens) < 2 {
		return nil
	}
	newName := tokens[1]

	if err := e.Sessions.Rename(e.Session.ID, newName); err != nil {
		if errors.Is(err, session.ErrNameTaken) {
			fmt.Fprintf(e.Out, "*** User '%s' already exists. ***\n", newName)
			return nil
		}
		return err
	}

	msg := fmt.Sprintf("*** User from %s is named '%s'. ***\n", e.Session.Addr, newName)
	e.Sessions.Broadcast(msg, 0)
	return nil
}
