package main

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termdeck/termdeck/internal/protocol"
)

type fakeAttachConn struct {
	mu      sync.Mutex
	inputs  [][]byte
	resizes [][2]uint16
	pushes  chan protocol.Message
	done    chan struct{}
}

func newFakeAttachConn() *fakeAttachConn {
	return &fakeAttachConn{pushes: make(chan protocol.Message, 16), done: make(chan struct{})}
}

func (f *fakeAttachConn) SendInput(_ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, data)
	return nil
}

func (f *fakeAttachConn) Resize(_ string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, [2]uint16{cols, rows})
	return nil
}

func (f *fakeAttachConn) Pushes() <-chan protocol.Message { return f.pushes }
func (f *fakeAttachConn) Done() <-chan struct{}           { return f.done }

func (f *fakeAttachConn) sent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(bytes.Join(f.inputs, nil))
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type loopResult struct {
	end  attachEnd
	code int
	err  error
}

func startLoop(a *attachLoop) <-chan loopResult {
	ch := make(chan loopResult, 1)
	go func() {
		end, code, err := a.run()
		ch <- loopResult{end, code, err}
	}()
	return ch
}

func waitLoop(t *testing.T, ch <-chan loopResult) loopResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("attach loop did not end")
		return loopResult{}
	}
}

func TestAttachLoopForwardsAndDetaches(t *testing.T) {
	conn := newFakeAttachConn()
	inR, inW := io.Pipe()
	defer inW.Close()
	var out syncBuffer
	resize := make(chan [2]uint16, 1)
	resize <- [2]uint16{120, 40}

	res := startLoop(&attachLoop{conn: conn, id: "s1", in: inR, out: &out, resize: resize})

	conn.pushes <- protocol.Message{Type: protocol.TypeSessionOutput, ID: "other", Data: []byte("ignored")}
	conn.pushes <- protocol.Message{Type: protocol.TypeSessionOutput, ID: "s1", Data: []byte("hello\r\n")}
	_, err := inW.Write([]byte("ls\r"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return conn.sent() == "ls\r" && out.String() == "hello\r\n" }, 2*time.Second, 10*time.Millisecond)

	// Bytes typed before Ctrl+Q in the same read still go through.
	_, err = inW.Write([]byte("pw\x11d"))
	require.NoError(t, err)
	r := waitLoop(t, res)
	assert.Equal(t, endDetached, r.end)
	assert.NoError(t, r.err)
	assert.Equal(t, "ls\rpw", conn.sent())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, [][2]uint16{{120, 40}}, conn.resizes)
}

func TestAttachLoopEndsOnExit(t *testing.T) {
	conn := newFakeAttachConn()
	inR, inW := io.Pipe()
	defer inW.Close()

	res := startLoop(&attachLoop{conn: conn, id: "s1", in: inR, out: io.Discard})
	conn.pushes <- protocol.Message{Type: protocol.TypeSessionExited, ID: "other", Code: 1}
	conn.pushes <- protocol.Message{Type: protocol.TypeSessionExited, ID: "s1", Code: 7}

	r := waitLoop(t, res)
	assert.Equal(t, endExited, r.end)
	assert.Equal(t, 7, r.code)
}

func TestAttachLoopEndsWhenDaemonGoes(t *testing.T) {
	conn := newFakeAttachConn()
	inR, inW := io.Pipe()
	defer inW.Close()

	res := startLoop(&attachLoop{conn: conn, id: "s1", in: inR, out: io.Discard})
	close(conn.done)

	r := waitLoop(t, res)
	assert.Equal(t, endDisconnected, r.end)
}
