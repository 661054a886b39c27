// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tamper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/bureau-foundation/warden/lib/clock"
)

// maxSignalLine bounds one JSON line from the detector.
const maxSignalLine = 64 * 1024

// DetectorServer accepts tamper signals from the platform detector on a
// Unix socket. Each connection carries newline-delimited JSON objects
// of the form {"kind": "root", "severity": "high", "detail": "..."}; a
// connection may send any number of lines and nothing is written back.
// Received signals are stamped with the current time and handed to the
// signals channel.
type DetectorServer struct {
	socketPath string
	signals    chan<- Signal
	clock      clock.Clock
	logger     *slog.Logger

	activeConnections sync.WaitGroup
}

// NewDetectorServer returns a server that will listen on socketPath.
func NewDetectorServer(socketPath string, signals chan<- Signal, clk clock.Clock, logger *slog.Logger) *DetectorServer {
	return &DetectorServer{
		socketPath: socketPath,
		signals:    signals,
		clock:      clk,
		logger:     logger,
	}
}

// Serve listens until ctx is cancelled, then waits for open
// connections to finish. A stale socket file is removed first, and the
// socket file is removed on return.
func (s *DetectorServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("restricting %s: %w", s.socketPath, err)
	}

	var closers sync.Map
	go func() {
		<-ctx.Done()
		listener.Close()
		closers.Range(func(conn, _ any) bool {
			conn.(net.Conn).Close()
			return true
		})
	}()

	s.logger.Info("detector socket listening", "path", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("detector accept failed", "error", err)
			continue
		}
		closers.Store(conn, struct{}{})
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer closers.Delete(conn)
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *DetectorServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxSignalLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var signal Signal
		if err := json.Unmarshal(line, &signal); err != nil {
			s.logger.Warn("invalid detector signal", "error", err)
			continue
		}
		if signal.Kind == "" {
			s.logger.Warn("detector signal without kind")
			continue
		}
		signal.DetectedAt = s.clock.Now()

		select {
		case s.signals <- signal:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("detector connection failed", "error", err)
	}
}
