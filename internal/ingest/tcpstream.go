package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

const tcpSource = "tcp_stream"

func StartTCPStream(ctx context.Context, cfg *config.Manager, proc *Processor, out chan<- model.InputEvent, logger *slog.Logger) net.Listener {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	ServeTCPStream(ctx, ln, proc, out, logger)
	return ln
}

// ServeTCPStream accepts connections on ln until ctx ends. Each connection
// gets its own parser so CSV headers do not leak between clients.
func ServeTCPStream(ctx context.Context, ln net.Listener, proc *Processor, out chan<- model.InputEvent, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go handleTCPStreamConn(ctx, conn, proc, out, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, proc *Processor, out chan<- model.InputEvent, logger *slog.Logger) {
	defer conn.Close()
	parser := proc.NewParser()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		ev, err := proc.DecodeLine(parser, scanner.Text(), tcpSource)
		if err != nil || ev == nil {
			continue
		}
		proc.SendNonBlocking(ctx, out, *ev)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
