// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llamacpp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// DefaultStartTimeout bounds how long a fresh server may take to load.
const DefaultStartTimeout = 60 * time.Second

// ServerOptions configures a spawned llama-server.
type ServerOptions struct {
	Threads      int
	StartTimeout time.Duration
}

// Server is a llama-server child process. It is stopped with Close.
type Server struct {
	cmd    *exec.Cmd
	url    string
	done   chan struct{}
	stderr *tailBuffer

	mu      sync.Mutex
	waitErr error
	closed  bool
}

// FindServer locates the llama-server executable: the configured path if
// set, then PATH, then common install directories.
func FindServer(configured string) (string, error) {
	if configured != "" {
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("llama-server not found at %q", configured)
	}
	for _, name := range serverNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}

	candidates := []string{"/usr/local/bin", "/opt/homebrew/bin", "/usr/bin"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, "llama.cpp", "build", "bin"),
		)
	}
	for _, dir := range candidates {
		for _, name := range serverNames {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}
	return "", errors.New("llama-server not found in PATH or common installation directories; " +
		"install llama.cpp or set [wasm] server_url")
}

// StartServer runs binary on modelPath, bound to a free loopback port,
// and waits until it reports healthy.
func StartServer(ctx context.Context, binary, modelPath string, opts ServerOptions) (*Server, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocate port: %w", err)
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}

	args := []string{
		"-m", modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-ngl", "0",
	}
	if opts.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(opts.Threads))
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = os.Environ()
	configureProcess(cmd)
	stderr := &tailBuffer{max: 4 << 10}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server (path: %s): %w", binary, err)
	}

	s := &Server{
		cmd:    cmd,
		url:    "http://127.0.0.1:" + strconv.Itoa(port),
		done:   make(chan struct{}),
		stderr: stderr,
	}
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	if err := s.waitReady(ctx, opts.StartTimeout); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.url
}

func (s *Server) waitReady(ctx context.Context, timeout time.Duration) error {
	client := NewClient(s.url, nil)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(250 * time.Millisecond)
	defer tick.Stop()

	var lastErr error
	for {
		checkCtx, cancel := context.WithTimeout(ctx, time.Second)
		lastErr = client.Health(checkCtx)
		cancel()
		if lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("llama-server startup cancelled: %w", ctx.Err())
		case <-s.done:
			s.mu.Lock()
			werr := s.waitErr
			s.mu.Unlock()
			return fmt.Errorf("llama-server exited during startup: %v: %s", werr, bytes.TrimSpace(s.stderr.Bytes()))
		case <-deadline.C:
			return fmt.Errorf("llama-server not responding after %s: %w", timeout, lastErr)
		case <-tick.C:
		}
	}
}

// Close stops the server and its process group.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	if err := terminate(s.cmd); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		killHard(s.cmd)
		<-s.done
	}
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written, for startup diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}
