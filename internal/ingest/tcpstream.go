package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"telewindow/internal/config"
)

func StartTCPStream(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	serveTCPStream(ctx, ln, cfg, sink, logger)
}

func serveTCPStream(ctx context.Context, ln net.Listener, cfg *config.Manager, sink *Sink, logger *slog.Logger) {
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
			go handleTCPStreamConn(ctx, conn, NewParser(cfg.Get().Ingest.Parser), sink, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, parser *Parser, sink *Sink, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		env, err := parser.ParseLine(scanner.Text())
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream parse error", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		if env == nil {
			continue
		}
		env.Source = "tcp_stream"
		sink.Send(ctx, *env)
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
