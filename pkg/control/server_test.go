package control

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtpmidid/rtpmidid-go/internal/metrics"
	"github.com/rtpmidid/rtpmidid-go/pkg/midi"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
)

type fakePeer struct {
	kind, status string
	commands     []string
}

func (f *fakePeer) Kind() string                              { return f.kind }
func (f *fakePeer) Status() string                             { return f.status }
func (f *fakePeer) OnAdded(router.PeerId, *router.Router)       {}
func (f *fakePeer) OnRemoved(router.PeerId)                     {}
func (f *fakePeer) SendMIDI(router.PeerId, midi.Data)           {}
func (f *fakePeer) Command(verb string, params any) (any, error) {
	f.commands = append(f.commands, verb)
	return "ok", nil
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	r := router.New()
	s := New(nil, r, sockPath, nil, nil)

	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s, sockPath
}

func dialAndRoundTrip(t *testing.T, sockPath string, req string) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(req + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestStatusReportsPeersAndRoutes(t *testing.T) {
	r := router.New()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	s := New(nil, r, sockPath, nil, nil)
	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	p1 := &fakePeer{kind: "local", status: "idle"}
	p2 := &fakePeer{kind: "network_client", status: "connected"}
	id1 := r.AddPeer(p1)
	id2 := r.AddPeer(p2)
	require.NoError(t, r.Connect(id1, id2))

	waitForSocket(t, sockPath)
	resp := dialAndRoundTrip(t, sockPath, `{"method":"status","id":1}`)
	require.Empty(t, resp.Error)

	raw, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var st statusResponse
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Len(t, st.Peers, 2)
	assert.Len(t, st.Routes, 1)
}

func TestPeerScopedCommandDispatch(t *testing.T) {
	r := router.New()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	s := New(nil, r, sockPath, nil, nil)
	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	p := &fakePeer{kind: "local", status: "idle"}
	id := r.AddPeer(p)

	waitForSocket(t, sockPath)
	req := `{"method":"` + itoa(uint64(id)) + `.rename","params":"newname","id":2}`
	resp := dialAndRoundTrip(t, sockPath, req)
	require.Empty(t, resp.Error)
	assert.Equal(t, []string{"rename"}, p.commands)
}

func TestUnknownPeerIDReturnsError(t *testing.T) {
	_, sockPath := startTestServer(t)
	resp := dialAndRoundTrip(t, sockPath, `{"method":"99.rename","id":3}`)
	assert.NotEmpty(t, resp.Error)
}

func TestRouterRemoveAcceptsArrayForm(t *testing.T) {
	r := router.New()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	s := New(nil, r, sockPath, nil, nil)
	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	p := &fakePeer{kind: "local", status: "idle"}
	id := r.AddPeer(p)

	waitForSocket(t, sockPath)
	req := `{"method":"router.remove","params":[` + itoa(uint64(id)) + `],"id":5}`
	resp := dialAndRoundTrip(t, sockPath, req)
	require.Empty(t, resp.Error)

	_, stillPresent := r.PeerByID(id)
	assert.False(t, stillPresent)
}

func TestRouterConnectRejectsCycle(t *testing.T) {
	r := router.New()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	s := New(nil, r, sockPath, nil, nil)
	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	p1 := &fakePeer{kind: "local", status: "idle"}
	id1 := r.AddPeer(p1)

	waitForSocket(t, sockPath)
	req := `{"method":"router.connect","params":{"from":` + itoa(uint64(id1)) + `,"to":` + itoa(uint64(id1)) + `},"id":4}`
	resp := dialAndRoundTrip(t, sockPath, req)
	assert.NotEmpty(t, resp.Error)
}

func TestDispatchCountsRequestsPerMethod(t *testing.T) {
	r := router.New()
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	mcs := metrics.New()
	s := New(nil, r, sockPath, nil, mcs)
	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	p := &fakePeer{kind: "local", status: "idle"}
	id := r.AddPeer(p)

	waitForSocket(t, sockPath)
	dialAndRoundTrip(t, sockPath, `{"method":"status","id":1}`)
	dialAndRoundTrip(t, sockPath, `{"method":"status","id":2}`)
	dialAndRoundTrip(t, sockPath, `{"method":"`+itoa(uint64(id))+`.rename","params":"x","id":3}`)

	assert.Equal(t, float64(2), testutil.ToFloat64(mcs.ControlRequests.WithLabelValues("status")))
	assert.Equal(t, float64(1), testutil.ToFloat64(mcs.ControlRequests.WithLabelValues(itoa(uint64(id))+".rename")))
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("control socket never came up at %s", path)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789"
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
