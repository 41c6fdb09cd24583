// Package session holds the per-connection data model shared by the
// line engine and the user-pipe registry: the session table, its
// rename/lookup operations, and the broadcast fan-out described in
// spec.md §5's "single-producer, single-broadcaster queue" restatement
// of the original's semaphore-pair broadcast bus.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/infoserv/shelld/internal/numberedpipe"
)

// DefaultName is the display name assigned to a session before it
// issues a `name` command.
const DefaultName = "(no name)"

// ErrNameTaken is returned by Registry.Rename when another logged-in
// session already has the requested name.
var ErrNameTaken = errors.New("name already exists")

// ErrFull is returned by Registry.Register when the session table
// already holds MaxUsers entries.
var ErrFull = errors.New("server is full")

// Session is one connected client's state.
type Session struct {
	ID      int
	Addr    string
	Inbox   chan string

	mu      sync.Mutex
	name    string
	env     map[string]string
	pipes   *numberedpipe.Table
	lastPID int
}

func newSession(id int, addr string, log zerolog.Logger) *Session {
	return &Session{
		ID:    id,
		Addr:  addr,
		Inbox: make(chan string, 64),
		name:  DefaultName,
		env:   make(map[string]string),
		pipes: numberedpipe.New(log),
	}
}

// Name returns the session's current display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

// Pipes returns this session's numbered-pipe table.
func (s *Session) Pipes() *numberedpipe.Table {
	return s.pipes
}

// Setenv sets an environment binding, visible to subsequent external
// commands launched for this session.
func (s *Session) Setenv(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.env[key] = value
}

// Getenv returns the value bound to key, and whether it was set.
func (s *Session) Getenv(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.env[key]
	return v, ok
}

// Environ returns the session's environment bindings as a flat
// KEY=VALUE slice, suitable for passing to pipe.WithEnvVars.
func (s *Session) Environ() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

// SetLastPID records the pid of the most recently started external
// command for this session, so that a disconnect can sweep any
// descendants it leaves behind.
func (s *Session) SetLastPID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPID = pid
}

// LastPID returns the pid last recorded by SetLastPID, or 0 if none
// has been started yet.
func (s *Session) LastPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPID
}

// Registry is the set of logged-in sessions, keyed by the numeric id
// assigned at Register time (1..MaxUsers, the spec's source-derived
// cap of 30).
type Registry struct {
	maxUsers int
	log      zerolog.Logger

	mu       sync.Mutex
	sessions map[int]*Session

	broadcasts chan broadcastMsg
	done       chan struct{}
	wg         sync.WaitGroup
}

type broadcastMsg struct {
	text   string
	except int // session id to skip, or 0 for "deliver to everyone"
	done   chan struct{}
}

// NewRegistry returns a Registry accepting up to maxUsers concurrent
// sessions, and starts its broadcast dispatcher goroutine.
func NewRegistry(maxUsers int, log zerolog.Logger) *Registry {
	r := &Registry{
		maxUsers:   maxUsers,
		log:        log,
		sessions:   make(map[int]*Session),
		broadcasts: make(chan broadcastMsg, 256),
		done:       make(chan struct{}),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// dispatch is the registry's single broadcaster: it drains
// r.broadcasts and fans each message out to every session's inbox, in
// arrival order. Running this as the sole reader of r.broadcasts is
// what gives every session's Inbox a total, consistent order across
// concurrently-acting sessions.
func (r *Registry) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case m := <-r.broadcasts:
			r.mu.Lock()
			targets := make([]*Session, 0, len(r.sessions))
			for id, s := range r.sessions {
				if id == m.except {
					continue
				}
				targets = append(targets, s)
			}
			r.mu.Unlock()

			for _, s := range targets {
				select {
				case s.Inbox <- m.text:
				default:
					r.log.Warn().Int("session", s.ID).Msg("dropping broadcast, inbox full")
				}
			}
			close(m.done)
		case <-r.done:
			return
		}
	}
}

// Close stops the dispatcher goroutine. It does not close any
// session's Inbox.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}

// Register assigns the lowest free id in [1, maxUsers] to a new
// session for the given peer address.
func (r *Registry) Register(addr string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxUsers {
		return nil, ErrFull
	}

	for id := 1; id <= r.maxUsers; id++ {
		if _, taken := r.sessions[id]; taken {
			continue
		}
		s := newSession(id, addr, r.log)
		r.sessions[id] = s
		return s, nil
	}
	return nil, ErrFull
}

// Remove deletes a session from the table, closing its numbered-pipe
// table. It does not touch the user-pipe registry; callers are
// responsible for calling userpipe.Registry.CloseSession themselves,
// since C3 and the session table are independent components.
func (r *Registry) Remove(id int) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.pipes.Close()
	}
}

// Lookup returns the session with the given id, if logged in.
func (r *Registry) Lookup(id int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// LookupByName returns the session with the given display name, if
// any is logged in with it.
func (r *Registry) LookupByName(name string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Rename changes id's display name, failing with ErrNameTaken if
// another logged-in session already has it.
func (r *Registry) Rename(id int, name string) error {
	if existing, ok := r.LookupByName(name); ok && existing.ID != id {
		return fmt.Errorf("renaming session #%d to %q: %w", id, name, ErrNameTaken)
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("renaming session #%d: %w", id, errNoSuchSession)
	}
	s.setName(name)
	return nil
}

var errNoSuchSession = errors.New("no such session")

// Who returns every logged-in session in ascending id order, for the
// `who` built-in.
func (r *Registry) Who() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sortSessionsByID(out)
	return out
}

func sortSessionsByID(sessions []*Session) {
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j].ID < sessions[j-1].ID; j-- {
			sessions[j], sessions[j-1] = sessions[j-1], sessions[j]
		}
	}
}

// Broadcast delivers text to every logged-in session except the one
// identified by except (pass 0 to exclude none), and returns only
// after delivery has been attempted on every recipient's inbox. This
// is what lets a caller rely on spec.md §4.3's "the acting session
// must see both broadcasts before its next prompt": by the time
// Broadcast returns, the message is already sitting in every inbox,
// including the acting session's own. A full inbox drops the message
// and logs a warning rather than blocking the whole dispatcher on one
// slow client.
func (r *Registry) Broadcast(text string, except int) {
	done := make(chan struct{})
	r.broadcasts <- broadcastMsg{text: text, except: except, done: done}
	<-done
}
