package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"telewindow/internal/config"
)

func StartFileTail(ctx context.Context, cfg *config.Manager, sink *Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		path := path
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		go tailFile(ctx, path, current.StartAtEnd, NewParser(cfg.Get().Ingest.Parser), sink, logger)
	}
}

// tailFile follows path like tail -F: it waits for the file to appear and
// reopens it from the start when it shrinks.
func tailFile(ctx context.Context, path string, startAtEnd bool, parser *Parser, sink *Sink, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var pending string
		for {
			chunk, err := reader.ReadString('\n')
			pending += chunk
			if err != nil {
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset+int64(len(pending)) {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			line := pending
			pending = ""
			offset += int64(len(line))
			env, err := parser.ParseLine(line)
			if err != nil {
				if logger != nil {
					logger.Warn("tail parse error", "path", path, "err", err)
				}
				continue
			}
			if env == nil {
				continue
			}
			env.Source = "file_tail"
			sink.Send(ctx, *env)
		}
	}
}
