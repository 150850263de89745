package dridxd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"driveindex/internal/core/indexer"
)

func startServer(t *testing.T, force bool) *Server {
	t.Helper()
	s := NewServer(Options{
		Listen:   "127.0.0.1:0",
		Handlers: HandlerOptions{DataDir: t.TempDir(), Force: force},
	})
	go func() { _ = s.Run() }()
	t.Cleanup(func() { _ = s.Close() })
	waitAddr(t, s)
	return s
}

func waitAddr(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Addr() != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server never started listening")
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	c, err := Dial(s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServerPingAndVersion(t *testing.T) {
	s := startServer(t, true)
	c := dial(t, s)

	if err := c.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	v, err := c.Version()
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v == "" {
		t.Fatal("empty version string")
	}
}

func TestMethodNotFound(t *testing.T) {
	s := startServer(t, true)
	c := dial(t, s)

	err := c.call("no.such.method", nil, nil)
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Fatalf("code = %d, want -32601", rpcErr.Code)
	}
}

func TestParseErrorOnGarbageLine(t *testing.T) {
	s := startServer(t, true)
	conn, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32700 {
		t.Fatalf("error = %+v, want -32700", resp.Error)
	}
}

func TestInvalidAndMissingParams(t *testing.T) {
	s := startServer(t, true)
	c := dial(t, s)

	cases := []struct {
		method string
		params any
		code   int
	}{
		{"index.start", IndexStartParams{}, -32602},
		{"index.status", VolumeParams{}, -32602},
		{"index.prioritize", PrioritizeParams{VolumeID: "v"}, -32602},
		{"index.cancel_nav", CancelNavParams{Path: "/x"}, -32602},
		{"index.status", VolumeParams{VolumeID: "nope"}, -32000},
		{"index.enrich", EnrichParams{VolumeID: "nope"}, -32000},
	}
	for _, tc := range cases {
		err := c.call(tc.method, tc.params, nil)
		rpcErr, ok := err.(*RPCError)
		if !ok {
			t.Fatalf("%s: err = %v, want *RPCError", tc.method, err)
		}
		if rpcErr.Code != tc.code {
			t.Fatalf("%s: code = %d, want %d", tc.method, rpcErr.Code, tc.code)
		}
	}
}

func TestStartGatedWithoutForce(t *testing.T) {
	t.Setenv(indexer.EnableEnv, "0")
	s := startServer(t, false)
	c := dial(t, s)

	_, err := c.IndexStart(t.TempDir())
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if !strings.Contains(rpcErr.Message, indexer.EnableEnv) {
		t.Fatalf("message %q does not name the enable switch", rpcErr.Message)
	}
}

func TestIndexLifecycleOverRPC(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{"a/f1", "a/f2", "b/f3"} {
		p := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("content"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	s := startServer(t, true)
	c := dial(t, s)

	res, err := c.IndexStart(root)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.VolumeID == "" {
		t.Fatal("empty volume id")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := c.IndexStatus(res.VolumeID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.Initialized && !st.Scanning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scan never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	slashRoot := filepath.ToSlash(root)
	stats, err := c.Enrich(res.VolumeID, []string{slashRoot + "/a", slashRoot + "/b"})
	if err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if len(stats) != 2 || stats[0] == nil || stats[1] == nil {
		t.Fatalf("enrich = %v, want two hits", stats)
	}
	if stats[0].FileCount != 2 || stats[1].FileCount != 1 {
		t.Fatalf("counts = %d/%d, want 2/1", stats[0].FileCount, stats[1].FileCount)
	}

	if err := c.Prioritize(res.VolumeID, slashRoot+"/a", "user-selected"); err != nil {
		t.Fatalf("prioritize: %v", err)
	}
	if err := c.CancelNav(res.VolumeID, slashRoot); err != nil {
		t.Fatalf("cancel nav: %v", err)
	}
	if err := c.IndexStop(res.VolumeID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := c.IndexClear(res.VolumeID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	st, err := c.IndexStatus(res.VolumeID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Initialized {
		t.Fatal("still initialized after clear")
	}
}

func TestPrioritizeRejectsUnknownPriority(t *testing.T) {
	s := startServer(t, true)
	c := dial(t, s)

	res, err := c.IndexStart(t.TempDir())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	err = c.Prioritize(res.VolumeID, "/x", "urgent")
	if _, ok := err.(*RPCError); !ok {
		t.Fatalf("err = %v, want *RPCError", err)
	}
}

func TestSubscribeStreamsScanEvents(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := startServer(t, true)

	sub := dial(t, s)
	var mu sync.Mutex
	kinds := map[string]bool{}
	go func() {
		_ = sub.Subscribe(func(ev Event) {
			mu.Lock()
			kinds[ev.Kind] = true
			mu.Unlock()
		})
	}()
	// Give the subscription a moment to register before the scan fires.
	time.Sleep(100 * time.Millisecond)

	c := dial(t, s)
	if _, err := c.IndexStart(root); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		done := kinds[EventScanStarted] && kinds[EventScanComplete]
		mu.Unlock()
		if done {
			return
		}
		if time.Now().After(deadline) {
			mu.Lock()
			t.Fatalf("kinds seen = %v, want scan-started and scan-complete", kinds)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
