package lineengine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/infoserv/shelld/internal/session"
	"github.com/infoserv/shelld/internal/userpipe"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPath = "/bin:/usr/bin"

type harness struct {
	sessions *session.Registry
	pipes    *userpipe.Registry
}

func newHarness(t *testing.T, maxUsers int) *harness {
	t.Helper()
	sessions := session.NewRegistry(maxUsers, zerolog.Nop())
	t.Cleanup(sessions.Close)
	return &harness{sessions: sessions, pipes: userpipe.New()}
}

func (h *harness) newEngine(t *testing.T, addr string) (*Engine, *session.Session, *bytes.Buffer) {
	t.Helper()
	s, err := h.sessions.Register(addr)
	require.NoError(t, err)

	var out bytes.Buffer
	e := &Engine{
		Session:     s,
		Sessions:    h.sessions,
		Pipes:       h.pipes,
		Log:         zerolog.Nop(),
		DefaultPath: testPath,
		Out:         &out,
	}
	return e, s, &out
}

func TestSetenvPrintenvRoundTrip(t *testing.T) {
	h := newHarness(t, 2)
	e, _, out := h.newEngine(t, "1.2.3.4:1")

	require.NoError(t, e.Execute(context.Background(), "setenv K V"))
	require.NoError(t, e.Execute(context.Background(), "printenv K"))

	assert.Equal(t, "V\n", out.String())
}

func TestWhoMarksActingSession(t *testing.T) {
	h := newHarness(t, 2)
	e, s, out := h.newEngine(t, "1.2.3.4:1")

	require.NoError(t, e.Execute(context.Background(), "who"))

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "<-me")
	assert.Contains(t, lines[1], s.Name())
}

func TestNameDuplicateIsRejectedToActorOnly(t *testing.T) {
	h := newHarness(t, 2)
	e1, _, out1 := h.newEngine(t, "a")
	e2, _, out2 := h.newEngine(t, "b")

	require.NoError(t, e1.Execute(context.Background(), "name bob"))
	assert.Contains(t, readInbox(t, e2), "is named 'bob'")

	out2.Reset()
	require.NoError(t, e2.Execute(context.Background(), "name bob"))
	assert.Contains(t, out2.String(), "*** User 'bob' already exists. ***")
}

func TestTellMissingUserReportsErrorToActorOnly(t *testing.T) {
	h := newHarness(t, 2)
	e, _, out := h.newEngine(t, "a")

	require.NoError(t, e.Execute(context.Background(), "tell 99 hi there"))
	assert.Equal(t, "*** Error: user #99 does not exist yet. ***\n", out.String())
}

func TestExitBroadcastsLeave(t *testing.T) {
	h := newHarness(t, 2)
	e1, _, _ := h.newEngine(t, "a")
	_, s2, _ := h.newEngine(t, "b")

	err := e1.Execute(context.Background(), "exit")
	require.ErrorIs(t, err, ErrExit)

	select {
	case msg := <-s2.Inbox:
		assert.Contains(t, msg, "left")
	case <-time.After(time.Second):
		t.Fatal("expected a leave broadcast")
	}
}

func TestNumberedPipeCarriesOutputAcrossLines(t *testing.T) {
	h := newHarness(t, 1)
	e, _, out := h.newEngine(t, "a")

	require.NoError(t, e.Execute(context.Background(), "echo hello |1"))
	require.NoError(t, e.Execute(context.Background(), "cat"))

	assert.Equal(t, "hello\n", out.String())
}

func TestPlainPipeChainsWithinOneLine(t *testing.T) {
	h := newHarness(t, 1)
	e, _, out := h.newEngine(t, "a")

	require.NoError(t, e.Execute(context.Background(), "echo hello | cat"))

	assert.Equal(t, "hello\n", out.String())
}

func TestUserPipeCreateThenConsumeBroadcastsBoth(t *testing.T) {
	h := newHarness(t, 2)
	e1, _, _ := h.newEngine(t, "a")
	e2, _, _ := h.newEngine(t, "b")

	require.NoError(t, e1.Execute(context.Background(), "echo hi >2"))
	require.NoError(t, e2.Execute(context.Background(), "cat <1"))

	got1 := readInbox(t, e1)
	assert.Contains(t, got1, "just piped")
	assert.Contains(t, got1, "just received")
}

func TestUserPipeConsumeMissingReportsErrorOnly(t *testing.T) {
	h := newHarness(t, 2)
	_, _, _ = h.newEngine(t, "a")
	e2, _, out2 := h.newEngine(t, "b")

	require.NoError(t, e2.Execute(context.Background(), "cat <1"))
	assert.Equal(t, "*** Error: the pipe #1->#2 does not exist yet. ***\n", out2.String())
}

// readInbox drains every message currently queued in e's own session
// inbox (broadcasts are delivered there, not written to e.Out).
func readInbox(t *testing.T, e *Engine) string {
	t.Helper()
	var b strings.Builder
	for {
		select {
		case msg := <-e.Session.Inbox:
			b.WriteString(msg)
		case <-time.After(200 * time.Millisecond):
			return b.String()
		}
	}
}
