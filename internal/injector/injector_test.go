package injector

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInjectSendsExactlyOneFramedLine(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "sess-1.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	in := New(dir, time.Second)
	ok, err := in.Inject("sess-1", []byte("hello\nworld"))
	require.NoError(t, err)
	require.True(t, ok)

	var line string
	select {
	case line = <-received:
	case <-time.After(time.Second):
		t.Fatal("server never received a line")
	}

	require.True(t, strings.HasSuffix(line, "\n"))
	var decoded struct {
		Value string `json:"value"`
		Mode  string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(line, "\n")), &decoded))
	require.Equal(t, "hello\nworld", decoded.Value)
	require.Equal(t, "prompt", decoded.Mode)
}

func TestInjectReturnsFalseWhenSocketAbsent(t *testing.T) {
	in := New(t.TempDir(), time.Second)
	ok, err := in.Inject("nonexistent", []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInjectWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	in := New(t.TempDir(), 10*time.Millisecond)
	start := time.Now()
	ok := in.InjectWithRetry("nonexistent", []byte("x"), 3, 10*time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestInjectWithRetrySucceedsOnFirstTry(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "sess-1.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	in := New(dir, time.Second)
	ok := in.InjectWithRetry("sess-1", []byte("hi"), 3, time.Second)
	require.True(t, ok)
}
