// Package lineengine implements the Line Engine (C4): it tokenizes a
// line, drives the numbered-pipe table and user-pipe registry to
// resolve each stage's endpoints, and hands the result to the pipe
// package (C1) for launch.
package lineengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/infoserv/shelld/internal/session"
	"github.com/infoserv/shelld/internal/userpipe"
	"github.com/infoserv/shelld/pipe"
)

// ErrExit is returned by Execute when the line was the `exit`
// built-in; the caller should tear down the session.
var ErrExit = errors.New("session requested exit")

// fileMode is the mode bits for a create-or-truncate `>file`
// redirection, per spec.md §6.
const fileMode = 0o664

// Engine drives one session's command lines. It is not safe for
// concurrent use: a session processes its lines one at a time.
type Engine struct {
	Session     *session.Session
	Sessions    *session.Registry
	Pipes       *userpipe.Registry
	Log         zerolog.Logger
	DefaultPath string
	Out         io.Writer

	// StageMemoryLimit, if non-zero, is wrapped around every launched
	// stage via pipe.MemoryLimit (--stage-memory-limit).
	StageMemoryLimit uint64
	// Isolation, if non-nil, confines every launched stage's process
	// (--cgroup-root).
	Isolation pipe.IsolationPolicy
}

// Execute parses and runs a single line on behalf of e.Session. Any
// user-visible error (bad operand, missing user, duplicate name) is
// written directly to e.Out and Execute returns nil; Execute only
// returns a non-nil error for ErrExit or for an unexpected failure
// inside a built-in (such as renaming a session that is no longer
// registered). A stage that fails to launch is logged, not returned.
func (e *Engine) Execute(ctx context.Context, line string) error {
	tokens := tokenize(line)
	if len(tokens) == 0 {
		return nil
	}

	if dispatch, ok := builtins[tokens[0]]; ok {
		return dispatch(e, tokens, line)
	}

	e.runPipeline(ctx, tokens, line)
	return nil
}

// runPipeline implements the stage-assembly algorithm from spec.md
// §4.1: accumulate argument words until an operator or end of line,
// resolve the stage's endpoints, submit it, and age the numbered-pipe
// table once per submitted stage unless its terminator was a plain
// intra-line `|`.
func (e *Engine) runPipeline(ctx context.Context, tokens []string, line string) {
	var args []string

	for i := 0; i < len(tokens); {
		tok := tokens[i]
		if !isOperator(tok) {
			args = append(args, tok)
			i++
			continue
		}

		stdin := e.resolveStageStdin()
		i++ // consume the operator token

		switch tok[0] {
		case '|', '!':
			stdout, err := e.openPipeSink(tok)
			if err != nil {
				e.writeErr(err.Error())
				e.launchStage(ctx, args, stdin, bitBucketWriter{}, nil, true)
				args = nil
				continue
			}
			var stderr io.Writer
			if tok[0] == '!' {
				stderr = stdout
			}
			e.launchStage(ctx, args, stdin, stdout, stderr, false)
			// The empty-tail `|` is the intra-line case: the pipe it
			// opens is consumed by the very next stage on this same
			// line, so the table must not age it away. Every other
			// case (`|N`, `!`, `!N`) ages normally.
			if tok != "|" {
				e.Session.Pipes().Age()
			}

		case '>', '<':
			ltTok, gtTok, consumed := e.collectRedirectPair(tok, tokens, i)
			if consumed {
				i++
			}

			var stdout io.WriteCloser = newSessionWriter(e.Out)
			stdoutIsPipe := false
			// The `<` operator (if present) is resolved, and its
			// broadcast emitted, before the `>` operator: see
			// SPEC_FULL.md's Open Question #2 decision.
			if ltTok != "" {
				stdin = e.resolveUserPipeConsume(ltTok, line)
			}
			if gtTok != "" {
				stdout, stdoutIsPipe = e.resolveUserPipeOrFile(gtTok, line)
			}

			// A user-pipe sink is never blocked on, same as an
			// anonymous numbered pipe (spec.md §4.2): the parent must
			// move on to its next line so the receiving session can
			// issue the matching `<N` and drain it.
			e.launchStage(ctx, args, stdin, stdout, nil, !stdoutIsPipe)
			e.Session.Pipes().Age()
		}

		args = nil
	}

	if len(args) > 0 {
		stdin := e.resolveStageStdin()
		e.launchStage(ctx, args, stdin, newSessionWriter(e.Out), nil, true)
		e.Session.Pipes().Age()
	}
}

// resolveStageStdin implements the "stdin rule" shared by step 2 and
// step 5 of spec.md §4.1: take the numbered-pipe table's key-0 entry
// if present, else fall back to no input (immediate EOF). This
// implementation does not forward live connection bytes to a stage
// with no redirected stdin; see DESIGN.md for why.
func (e *Engine) resolveStageStdin() io.ReadCloser {
	r, err := e.Session.Pipes().TakeZeroReader()
	if err != nil {
		e.Log.Warn().Err(err).Msg("closing write end of consumed numbered pipe")
	}
	if r == nil {
		return bitBucketReader{}
	}
	return r
}

// openPipeSink handles `|` and `|N` (and, identically, `!`/`!N`): it
// returns the write end of the numbered-pipe table entry named by
// tok's tail, or the reserved key-0 entry for a plain `|`.
func (e *Engine) openPipeSink(tok string) (io.WriteCloser, error) {
	tail := tok[1:]
	if tail == "" {
		w, err := e.Session.Pipes().OpenPlainPipeWriter()
		if err != nil {
			return nil, fmt.Errorf("opening pipe: %w", err)
		}
		return w, nil
	}

	n, err := strconv.Atoi(tail)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid pipe number %q", tail)
	}
	w, err := e.Session.Pipes().OpenForWriter(n)
	if err != nil {
		return nil, fmt.Errorf("opening pipe %d: %w", n, err)
	}
	return w, nil
}

// collectRedirectPair resolves the one-token lookahead rule for `<`/
// `>` combinations (spec.md §4.1). first is the operator token already
// consumed by the caller; idx is the index of the next token. It
// returns the `<` tail (if any), the `>` tail-or-filename (if any),
// and whether a second token was consumed.
func (e *Engine) collectRedirectPair(first string, tokens []string, idx int) (ltTail, gtTail string, consumedNext bool) {
	assign := func(tok string) {
		switch tok[0] {
		case '<':
			ltTail = tok[1:]
		case '>':
			gtTail = tok[1:]
		}
	}
	assign(first)

	if idx < len(tokens) {
		next := tokens[idx]
		complement := byte('>')
		if first[0] == '>' {
			complement = '<'
		}
		if len(next) > 0 && next[0] == complement {
			assign(next)
			consumedNext = true
		}
	}
	return ltTail, gtTail, consumedNext
}

// resolveUserPipeConsume implements the `<N` operator (spec.md §4.3
// "Consumption").
func (e *Engine) resolveUserPipeConsume(tail, line string) io.ReadCloser {
	senderID, err := strconv.Atoi(tail)
	if err != nil {
		e.writeErr(fmt.Sprintf("*** Error: invalid user id %q. ***", tail))
		return bitBucketReader{}
	}

	sender, ok := e.Sessions.Lookup(senderID)
	if !ok {
		e.writeErr(fmt.Sprintf("*** Error: user #%d does not exist yet. ***", senderID))
		return bitBucketReader{}
	}

	conn, err := e.Pipes.Consume(senderID, e.Session.ID)
	if err != nil {
		if errors.Is(err, userpipe.ErrPipeMissing) {
			e.writeErr(fmt.Sprintf("*** Error: the pipe #%d->#%d does not exist yet. ***", senderID, e.Session.ID))
		}
		return bitBucketReader{}
	}

	msg := fmt.Sprintf("*** %s (#%d) just received from %s (#%d) by '%s' ***\n",
		e.Session.Name(), e.Session.ID, sender.Name(), senderID, line)
	e.Sessions.Broadcast(msg, 0)
	return conn
}

// resolveUserPipeOrFile implements `>FILE`, `>>FILE`, and `>N` (spec.md
// §4.1 and §4.3 "Creation"). The second return value reports whether
// the resolved sink is a pipe (user or, on failure, the bit-bucket
// stand-in counts as a regular sink, not a pipe) — it decides whether
// launchStage blocks the parent on this stage.
func (e *Engine) resolveUserPipeOrFile(tail, line string) (io.WriteCloser, bool) {
	if receiverID, err := strconv.Atoi(tail); err == nil {
		return e.resolveUserPipeCreate(receiverID, line)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	name := tail
	if strings.HasPrefix(tail, ">") {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		name = tail[1:]
	}
	f, err := os.OpenFile(name, flags, fileMode)
	if err != nil {
		e.Log.Warn().Err(err).Str("file", name).Msg("failed to open redirection target")
		return bitBucketWriter{}, false
	}
	return f, false
}

func (e *Engine) resolveUserPipeCreate(receiverID int, line string) (io.WriteCloser, bool) {
	receiver, ok := e.Sessions.Lookup(receiverID)
	if !ok {
		e.writeErr(fmt.Sprintf("*** Error: user #%d does not exist yet. ***", receiverID))
		return bitBucketWriter{}, false
	}

	conn, err := e.Pipes.Create(e.Session.ID, receiverID)
	if err != nil {
		if errors.Is(err, userpipe.ErrDuplicatePipe) {
			e.writeErr(fmt.Sprintf("*** Error: the pipe #%d->#%d already exists. ***", e.Session.ID, receiverID))
		}
		return bitBucketWriter{}, false
	}

	msg := fmt.Sprintf("*** %s (#%d) just piped '%s' to %s (#%d) ***\n",
		e.Session.Name(), e.Session.ID, line, receiver.Name(), receiverID)
	e.Sessions.Broadcast(msg, 0)
	return conn, true
}

// launchStage builds and runs a single-stage pipeline for args. If
// args is empty (an operator appeared with no preceding argument
// words), the stage's endpoints are simply closed. blocking matches
// spec.md §4.2's parent-side policy: block on a stage whose sink is
// not a pipe.
func (e *Engine) launchStage(ctx context.Context, args []string, stdin io.ReadCloser, stdout io.WriteCloser, stderr io.Writer, blocking bool) {
	if len(args) == 0 {
		_ = stdin.Close()
		_ = stdout.Close()
		return
	}

	path, ok := e.Session.Getenv("PATH")
	if !ok || path == "" {
		path = e.DefaultPath
	}
	if stderr == nil {
		stderr = newSessionWriter(e.Out)
	}

	p := pipe.New(
		pipe.WithStdinCloser(stdin),
		pipe.WithStdoutCloser(stdout),
		pipe.WithPath(path),
		pipe.WithEnvVars(environToEnvVars(e.Session.Environ())),
		pipe.WithEventHandler(e.reportRetryEvent),
	)

	var base pipe.Stage2
	if e.Isolation != nil {
		base = pipe.ShellCommandWithIsolationPolicy(args[0], args[1:], path, stderr, e.Isolation)
	} else {
		base = pipe.ShellCommand(args[0], args[1:], path, stderr)
	}
	stage := base
	if e.StageMemoryLimit > 0 {
		stage = pipe.MemoryLimit(stage, e.StageMemoryLimit, func(ev *pipe.Event) {
			e.Log.Warn().Str("command", ev.Command).Err(ev.Err).Msg(ev.Msg)
		})
	}
	p.Add(stage)

	if err := p.Start(ctx); err != nil {
		e.Log.Warn().Err(err).Strs("args", args).Msg("failed to start stage")
		return
	}

	// Remember the pid so a disconnecting session can sweep any
	// descendants it leaves behind (see cmd/shelld's reapDescendants).
	if pidder, ok := base.(interface{ Pid() int }); ok {
		if pid := pidder.Pid(); pid != 0 {
			e.Session.SetLastPID(pid)
		}
	}

	wait := func() {
		if err := p.Wait(); err != nil {
			e.Log.Debug().Err(err).Strs("args", args).Msg("stage exited with error")
		}
	}
	if blocking {
		wait()
	} else {
		go wait()
	}
}

// reportRetryEvent is the pipe.Pipeline event handler for every stage
// this engine launches. The only events a Stage2 ever emits through it
// are the fork-resource-policy retries from commandStage.Start2 and
// Pipeline.Start's own inter-stage os.Pipe() retries (see
// resourceretry.Do's callers in the pipe package); those carry
// "attempt" in Context, so anything else is left to the error-return
// path that already logs "failed to start stage"/"stage exited with
// error" and is ignored here to avoid logging it twice.
func (e *Engine) reportRetryEvent(ev *pipe.Event) {
	attempt, ok := ev.Context["attempt"]
	if !ok {
		return
	}
	exhausted, _ := ev.Context["exhausted"].(bool)
	if exhausted {
		e.Log.Warn().Str("command", ev.Command).Int("attempt", attempt.(int)).Err(ev.Err).Msg(ev.Msg)
		return
	}
	e.Log.Debug().Str("command", ev.Command).Int("attempt", attempt.(int)).Err(ev.Err).Msg(ev.Msg)
}

func environToEnvVars(environ []string) []pipe.EnvVar {
	vars := make([]pipe.EnvVar, 0, len(environ))
	for _, kv := range environ {
		if eq := strings.IndexByte(kv, '='); eq >= 0 {
			vars = append(vars, pipe.EnvVar{Key: kv[:eq], Value: kv[eq+1:]})
		}
	}
	return vars
}

func (e *Engine) writeErr(msg string) {
	fmt.Fprintln(e.Out, msg)
}

// sessionWriter adapts an io.Writer (the session's connection) into
// an io.WriteCloser whose Close is a no-op, so a stage sinked to the
// session's own output never closes the underlying connection.
type sessionWriter struct {
	io.Writer
}

func newSessionWriter(w io.Writer) io.WriteCloser {
	return sessionWriter{w}
}

func (sessionWriter) Close() error { return nil }
