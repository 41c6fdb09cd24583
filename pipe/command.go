package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/infoserv/shelld/internal/resourceretry"
)

// commandStage is a pipeline `Stage2` based on running an external
// command and piping the data through its stdin and stdout. It also
// implements `Stage2`.
type commandStage struct {
	name string
	cmd  *exec.Cmd

	// lookupPath, if non-empty, overrides the OS's PATH lookup with a
	// colon-separated search list (e.g. "bin:."), resolved lazily at
	// Start2 time instead of at construction time. Left empty, command
	// resolution behaves exactly as `exec.Command` would.
	lookupPath string

	// isolation, if set, confines the started process (e.g. to a
	// cgroup) once its pid is known.
	isolation IsolationPolicy

	// lateClosers is a list of things that have to be closed once the
	// command has finished.
	lateClosers []io.Closer

	done     chan struct{}
	skipWait bool
	wg       errgroup.Group
	stderr   bytes.Buffer

	// If the context expired, and we attempted to kill the command,
	// `ctx.Err()` is stored here.
	ctxErr atomic.Value
}

var (
	_ Stage2 = (*commandStage)(nil)
)

// Command returns a pipeline `Stage2` based on the specified external
// `command`, run with the given command-line `args`. Its stdin and
// stdout are handled as usual, and its stderr is collected and
// included in any `*exec.ExitError` that the command might emit.
// Command resolution uses the OS's normal PATH lookup.
func Command(command string, args ...string) Stage2 {
	if len(command) == 0 {
		panic("attempt to create command with empty command")
	}

	cmd := exec.Command(command, args...)
	return CommandStage(command, cmd)
}

// CommandStage returns a pipeline `Stage` with the name `name`, based on
// the specified `cmd`. Its stdin and stdout are handled as usual, and
// its stderr is collected and included in any `*exec.ExitError` that
// the command might emit.
func CommandStage(name string, cmd *exec.Cmd) Stage2 {
	return &commandStage{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
}

// CommandWithIsolationPolicy returns a pipeline `Stage2`, like `Command`,
// whose process is confined by `policy` once it has started.
func CommandWithIsolationPolicy(command string, policy IsolationPolicy, args ...string) Stage2 {
	cmd := exec.Command(command, args...)
	return &commandStage{
		name:      command,
		cmd:       cmd,
		done:      make(chan struct{}),
		isolation: policy,
	}
}

// ShellCommand returns a pipeline `Stage2` whose command resolution
// uses `pathList` (a colon-separated search list, e.g. "bin:.") instead
// of the OS's PATH, resolved when the stage starts rather than when it
// is constructed. If `stderr` is non-nil, the subprocess's standard
// error is streamed to it directly instead of being captured for
// inclusion in an `*exec.ExitError`. If the command cannot be resolved
// or found, the stage does not fail: it writes
// "Unknown command: [name].\n" to `stderr` (or captures it, if `stderr`
// is nil) and finishes immediately with a nil `Wait()` error, matching
// a shell whose child process could not be exec'd.
func ShellCommand(name string, args []string, pathList string, stderr io.Writer) Stage2 {
	cmd := &exec.Cmd{
		Path: name,
		Args: append([]string{name}, args...),
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	return &commandStage{
		name:       name,
		cmd:        cmd,
		done:       make(chan struct{}),
		lookupPath: pathList,
	}
}

// ShellCommandWithIsolationPolicy is ShellCommand, additionally confining
// the started process with policy once it has started (see
// CommandWithIsolationPolicy).
func ShellCommandWithIsolationPolicy(name string, args []string, pathList string, stderr io.Writer, policy IsolationPolicy) Stage2 {
	cmd := &exec.Cmd{
		Path: name,
		Args: append([]string{name}, args...),
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	return &commandStage{
		name:       name,
		cmd:        cmd,
		done:       make(chan struct{}),
		lookupPath: pathList,
		isolation:  policy,
	}
}

func (s *commandStage) Name() string {
	return s.name
}

func (s *commandStage) Start(
	ctx context.Context, env Env, stdin io.ReadCloser,
) (io.ReadCloser, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	if err := s.Start2(ctx, env, stdin, pw); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, err
	}

	// Now close our copy of the write end of the pipe (the subprocess
	// has its own copy now and will keep it open as long as it is
	// running). There's not much we can do now in the case of an
	// error, so just ignore them.
	_ = pw.Close()

	// The caller is responsible for closing `pr`.
	return pr, nil
}

func (s *commandStage) Preferences() StagePreferences {
	prefs := StagePreferences{
		StdinPreference:  IOPreferenceFile,
		StdoutPreference: IOPreferenceFile,
	}
	if s.cmd.Stdin != nil {
		prefs.StdinPreference = IOPreferenceNil
	}
	if s.cmd.Stdout != nil {
		prefs.StdoutPreference = IOPreferenceNil
	}

	return prefs
}

func (s *commandStage) Start2(
	ctx context.Context, env Env, stdin io.ReadCloser, stdout io.WriteCloser,
) error {
	if s.cmd.Dir == "" {
		s.cmd.Dir = env.Dir
	}
	if s.lookupPath == "" {
		s.lookupPath = env.Path
	}

	s.setupEnv(ctx, env)

	// Things that have to be closed as soon as the command has
	// started:
	var earlyClosers []io.Closer

	// See the type command for `Stage` and the long comment in
	// `Pipeline.WithStdin()` for the explanation of this unwrapping
	// and closing behavior.

	if stdin != nil {
		switch stdin := stdin.(type) {
		case readerNopCloser:
			// In this case, we shouldn't close it. But unwrap it for
			// efficiency's sake:
			s.cmd.Stdin = stdin.Reader
		case readerWriterToNopCloser:
			// In this case, we shouldn't close it. But unwrap it for
			// efficiency's sake:
			s.cmd.Stdin = stdin.Reader
		case *os.File:
			// In this case, we can close stdin as soon as the command
			// has started:
			s.cmd.Stdin = stdin
			earlyClosers = append(earlyClosers, stdin)
		default:
			// In this case, we need to close `stdin`, but we should
			// only do so after the command has finished:
			s.cmd.Stdin = stdin
			s.lateClosers = append(s.lateClosers, stdin)
		}
	}

	if stdout != nil {
		// See the long comment in `Pipeline.Start()` for the
		// explanation of this special case.
		switch stdout := stdout.(type) {
		case writerNopCloser:
			// In this case, we shouldn't close it. But unwrap it for
			// efficiency's sake:
			s.cmd.Stdout = stdout.Writer
		case *os.File:
			// In this case, we can close stdout as soon as the command
			// has started:
			s.cmd.Stdout = stdout
			earlyClosers = append(earlyClosers, stdout)
		default:
			// In this case, we need to close `stdout`, but we should
			// only do so after the command has finished:
			s.cmd.Stdout = stdout
			s.lateClosers = append(s.lateClosers, stdout)
		}
	}

	// If a custom search list was requested, resolve it ourselves
	// instead of letting exec.Command fall back to the OS's PATH. This
	// mirrors execvp()'s behavior: a name containing a slash is used
	// directly, never searched for.
	if s.lookupPath != "" && s.cmd.Path == s.name {
		resolved, err := lookupInPathList(s.name, s.lookupPath)
		if err != nil {
			return s.handleNotFound(stdin, stdout, earlyClosers)
		}
		s.cmd.Path = resolved
	}

	// If the caller hasn't arranged otherwise, read the command's
	// standard error into our `stderr` field:
	if s.cmd.Stderr == nil {
		// We can't just set `s.cmd.Stderr = &s.stderr`, because if we
		// do then `s.cmd.Wait()` doesn't wait to be sure that all
		// error output has been captured. By doing this ourselves, we
		// can be sure.
		p, err := s.cmd.StderrPipe()
		if err != nil {
			return err
		}
		s.wg.Go(func() error {
			_, err := io.Copy(&s.stderr, p)
			// We don't consider `ErrClosed` an error (FIXME: is this
			// correct?):
			if err != nil && !errors.Is(err, os.ErrClosed) {
				return err
			}
			return nil
		})
	}

	// Put the command in its own process group, if possible:
	s.runInOwnProcessGroup()

	// A fork failing with EAGAIN (this user is at its process cap) or
	// exec.Cmd.Start failing to open its stdio pipes with EMFILE/ENFILE
	// is the fork-resource policy's territory, not a command failure:
	// reap a finished child and retry in a bounded loop.
	if err := resourceretry.Do(ctx, s.reportStartRetry(env), s.cmd.Start); err != nil {
		if isCommandNotFound(err) {
			return s.handleNotFound(stdin, stdout, earlyClosers)
		}
		return err
	}

	for _, closer := range earlyClosers {
		_ = closer.Close()
	}

	if s.isolation != nil {
		if err := s.isolation.Setup(ctx, uint64(s.cmd.Process.Pid)); err != nil {
			_ = s.cmd.Process.Kill()
			return fmt.Errorf("applying isolation policy: %w", err)
		}
	}

	// Arrange for the process to be killed (gently) if the context
	// expires before the command exits normally:
	go func() {
		select {
		case <-ctx.Done():
			s.Kill(ctx.Err())
		case <-s.done:
			// Process already done; no need to kill anything.
		}
	}()

	return nil
}

// handleNotFound is invoked when the named command could not be
// resolved or executed. It writes the "Unknown command" message to
// whatever stderr target was configured, drains/closes the stage's
// copies of stdin/stdout, and marks the stage as already finished so
// that Wait() returns nil without ever calling cmd.Wait() on a process
// that never started.
func (s *commandStage) handleNotFound(
	stdin io.ReadCloser, stdout io.WriteCloser, earlyClosers []io.Closer,
) error {
	msg := fmt.Sprintf("Unknown command: [%s].\n", s.name)
	if w, ok := s.cmd.Stderr.(io.Writer); ok && w != nil {
		_, _ = io.WriteString(w, msg)
	} else {
		s.stderr.WriteString(msg)
	}

	for _, closer := range earlyClosers {
		_ = closer.Close()
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	if stdout != nil {
		_ = stdout.Close()
	}

	s.skipWait = true
	close(s.done)
	return nil
}

func isCommandNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// lookupInPathList resolves `name` against `pathList`, a colon-separated
// list of directories, the way execvp(3) resolves a command that
// doesn't contain a slash. A name containing a slash is checked
// directly and never searched for.
func lookupInPathList(name, pathList string) (string, error) {
	if strings.Contains(name, "/") {
		if isExecutableFile(name) {
			return name, nil
		}
		return "", exec.ErrNotFound
	}

	for _, dir := range strings.Split(pathList, ":") {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if isExecutableFile(candidate) {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// setupEnv sets or modifies the environment that will be passed to
// the command.
func (s *commandStage) setupEnv(ctx context.Context, env Env) {
	if len(env.Vars) == 0 {
		return
	}

	if s.cmd.Env == nil {
		// If the caller didn't explicitly set an environment on
		// `cmd`, then start with the current environment, and add a
		// few environment variables that are meaningful to the
		// session that launched this stage:
		s.cmd.Env = os.Environ()
	}

	var vars []EnvVar
	for _, fn := range env.Vars {
		vars = fn(ctx, vars)
	}
	varMap := make(map[string]string, len(vars))
	for _, v := range vars {
		varMap[v.Key] = v.Value
	}

	s.cmd.Env = copyEnvWithOverrides(s.cmd.Env, varMap)
}

func copyEnvWithOverrides(myEnv []string, overrides map[string]string) []string {
	vars := make([]string, 0, len(myEnv)+len(overrides))

	for _, v := range myEnv {
		eq := strings.Index(v, "=")
		if eq == -1 {
			vars = append(vars, v)
			continue
		}
		key := v[:eq]
		if _, ok := overrides[key]; ok {
			continue
		}
		vars = append(vars, v)
	}

	for key, value := range overrides {
		vars = append(vars, fmt.Sprintf("%s=%s", key, value))
	}

	return vars
}

// filterCmdError interprets `err`, which was returned by `Cmd.Wait()`
// (possibly `nil`), possibly modifying it or ignoring it. It returns
// the error that should actually be returned to the caller (possibly
// `nil`).
func (s *commandStage) filterCmdError(err error) error {
	if err == nil {
		return err
	}

	eErr, ok := err.(*exec.ExitError)
	if !ok {
		return err
	}

	ctxErr, ok := s.ctxErr.Load().(error)
	if ok {
		// If the process looks like it was killed by us, substitute
		// `ctxErr` for the process's own exit error. Note that this
		// doesn't do anything on Windows, where the `Signaled()`
		// method isn't implemented (it is hardcoded to return
		// `false`).
		ps, ok := eErr.ProcessState.Sys().(syscall.WaitStatus)
		if ok && ps.Signaled() &&
			(ps.Signal() == syscall.SIGTERM || ps.Signal() == syscall.SIGKILL) {
			return ctxErr
		}
	}

	eErr.Stderr = s.stderr.Bytes()
	return eErr
}

// reportStartRetry returns a resourceretry.Report that forwards a
// fork/pipe retry taken while starting this command to env.Events, if
// the caller supplied one (a bare Env{}, as command_nil_panic_test.go
// uses, leaves Events nil).
func (s *commandStage) reportStartRetry(env Env) resourceretry.Report {
	return func(attempt int, err error, exhausted bool) {
		if env.Events == nil {
			return
		}
		msg := "retrying after transient start failure"
		if exhausted {
			msg = "giving up after repeated transient start failures"
		}
		env.Events(&Event{
			Command: s.name,
			Msg:     msg,
			Err:     err,
			Context: map[string]interface{}{"attempt": attempt, "exhausted": exhausted},
		})
	}
}

// Pid returns the process id of the started command, or 0 if it
// hasn't started (or failed to start).
func (s *commandStage) Pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *commandStage) Wait() error {
	if s.skipWait {
		return nil
	}
	defer close(s.done)

	// Make sure that any stderr is copied before `s.cmd.Wait()`
	// closes the read end of the pipe:
	wgErr := s.wg.Wait()

	err := s.cmd.Wait()
	err = s.filterCmdError(err)

	if s.isolation != nil {
		_ = s.isolation.Teardown(context.Background())
	}

	if err == nil && wgErr != nil {
		err = wgErr
	}

	for _, closer := range s.lateClosers {
		if closeErr := closer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	return err
}
