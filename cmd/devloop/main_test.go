package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestStopCommandNotRunning(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"stop", "--port", strconv.Itoa(freePort(t)), "--key", "k"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "devloop not running")
}

func TestStopCommandReadsConfig(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(conn)
		received <- buf.String()
	}()

	path := filepath.Join(t.TempDir(), "devloop.yaml")
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, os.WriteFile(path, []byte("stop_port: "+strconv.Itoa(port)+"\nstop_key: from-config\n"), 0o644))

	root := newRootCmd()
	root.SetArgs([]string{"stop", "--config", path})
	require.NoError(t, root.Execute())
	assert.Equal(t, "from-config\r\nstop\r\n", <-received)
}

func TestRunCommandRequiresCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reload: automatic\n"), 0o644))

	root := newRootCmd()
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--config", path})
	assert.ErrorContains(t, root.Execute(), "no command to run")
}
