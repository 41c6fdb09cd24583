// Command shelld is the information-server shell daemon: it accepts TCP
// connections, hands each one a session and a line engine, and serves
// built-ins and external commands over the connection until the client
// disconnects or issues `exit`.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/infoserv/shelld/internal/lineengine"
	"github.com/infoserv/shelld/internal/session"
	"github.com/infoserv/shelld/internal/userpipe"
	"github.com/infoserv/shelld/pipe"
)

const welcomeBanner = "" +
	"****************************************\n" +
	"** Welcome to the information server. **\n" +
	"****************************************\n"

const prompt = "% "

func main() {
	flags := pflag.NewFlagSet("shelld", pflag.ExitOnError)
	flags.Usage = func() { usage(flags) }

	bind := flags.String("bind", "0.0.0.0", "address to listen on")
	maxUsers := flags.Int("max-users", 30, "maximum number of concurrent sessions")
	maxLineBytes := flags.Int("max-line-bytes", 15000, "maximum accepted input line size, in bytes")
	defaultPath := flags.String("path", "bin:.", "colon-separated search path for external commands")
	userPipeDir := flags.String("user-pipe-dir", "./user_pipe", "directory kept for the on-disk FIFO layout documented in spec.md; unused by this in-memory realization")
	stageMemoryLimit := flags.Uint64("stage-memory-limit", 0, "kill a stage if its RSS exceeds this many bytes (0 disables)")
	cgroupRoot := flags.String("cgroup-root", "", "cgroup parent path used to confine each external command (empty disables)")
	logLevel := flags.String("log", "info", "log level (debug/info/warn/error/disabled)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shelld: invalid --log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.Kitchen,
	}).Level(level).With().Timestamp().Logger()

	port, err := strconv.Atoi(flags.Arg(0))
	if err != nil || port <= 0 || port > 65535 {
		log.Fatal().Str("port", flags.Arg(0)).Msg("invalid TCP port")
	}

	if err := os.MkdirAll(*userPipeDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", *userPipeDir).Msg("failed to create user-pipe directory")
	}

	var isolation pipe.IsolationPolicy
	if *cgroupRoot != "" {
		isolation, err = newIsolationPolicy(*cgroupRoot)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up cgroup isolation")
		}
	}

	addr := net.JoinHostPort(*bind, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("failed to bind listener")
	}
	defer listener.Close()
	log.Info().Str("addr", addr).Msg("listening")

	sessions := session.NewRegistry(*maxUsers, log)
	defer sessions.Close()
	pipes := userpipe.New()

	srv := &server{
		sessions:         sessions,
		pipes:            pipes,
		log:              log,
		defaultPath:      *defaultPath,
		maxLineBytes:     *maxLineBytes,
		stageMemoryLimit: *stageMemoryLimit,
		isolation:        isolation,
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept failed")
			continue
		}
		go srv.handleConn(conn)
	}
}

func usage(f *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: shelld [OPTIONS] PORT\n\nOptions:\n")
	f.PrintDefaults()
}

type server struct {
	sessions         *session.Registry
	pipes            *userpipe.Registry
	log              zerolog.Logger
	defaultPath      string
	maxLineBytes     int
	stageMemoryLimit uint64
	isolation        pipe.IsolationPolicy
}

func (srv *server) handleConn(conn net.Conn) {
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	sess, err := srv.sessions.Register(addr)
	if err != nil {
		fmt.Fprintf(conn, "*** Error: the server is full. ***\n")
		return
	}
	defer func() {
		srv.sessions.Remove(sess.ID)
		srv.pipes.CloseSession(sess.ID)
		reapDescendants(sess.LastPID())
	}()
	sess.Setenv("PATH", srv.defaultPath)

	log := srv.log.With().Int("session", sess.ID).Str("addr", addr).Logger()
	log.Debug().Msg("session connected")

	io.WriteString(conn, welcomeBanner)
	srv.sessions.Broadcast(fmt.Sprintf("*** User '%s' entered from %s. ***\n", sess.Name(), addr), 0)

	engine := &lineengine.Engine{
		Session:          sess,
		Sessions:         srv.sessions,
		Pipes:            srv.pipes,
		Log:              log,
		DefaultPath:      srv.defaultPath,
		Out:              conn,
		StageMemoryLimit: srv.stageMemoryLimit,
		Isolation:        srv.isolation,
	}

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go readLines(conn, srv.maxLineBytes, lines, readErrs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	io.WriteString(conn, prompt)

	for {
		select {
		case msg, ok := <-sess.Inbox:
			if !ok {
				return
			}
			io.WriteString(conn, msg)

		case line, ok := <-lines:
			if !ok {
				// readLines sends any scan error before closing lines,
				// and sends nothing on a clean EOF.
				select {
				case err := <-readErrs:
					log.Debug().Err(err).Msg("connection read error")
				default:
				}
				return
			}

			if err := engine.Execute(ctx, line); err != nil {
				if errors.Is(err, lineengine.ErrExit) {
					drainInbox(conn, sess.Inbox)
					return
				}
				log.Warn().Err(err).Msg("line execution failed")
			}

			// Flush whatever the line's own broadcasts (if any) already
			// queued in our inbox before the next prompt, matching
			// spec.md §4.3's "sees both broadcasts before its next
			// prompt" — Broadcast() is synchronous, so by the time
			// Execute returns, any self-triggered messages are already
			// buffered here.
			drainInbox(conn, sess.Inbox)
			io.WriteString(conn, prompt)
		}
	}
}

// drainInbox writes every message currently buffered in inbox to w,
// without blocking once the buffer is empty.
func drainInbox(w net.Conn, inbox <-chan string) {
	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			io.WriteString(w, msg)
		default:
			return
		}
	}
}

// readLines feeds one line at a time (without the trailing newline)
// into lines, closing it on EOF or disconnect; a non-nil scan error is
// sent to errs before lines is closed.
func readLines(conn net.Conn, maxLineBytes int, lines chan<- string, errs chan<- error) {
	defer close(lines)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		errs <- err
	}
}
