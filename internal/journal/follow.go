package journal

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// FollowOptions tunes Follow.
type FollowOptions struct {
	// FromStart replays the existing file before following new lines.
	FromStart bool
	// Poll uses stat polling instead of inotify.
	Poll   bool
	Logger *zap.Logger
}

// Follow tails an encoded journal file and calls fn for every step line,
// in file order, until ctx is cancelled. Journals are rewritten atomically, so
// the tailer reopens the path when the file is replaced.
func Follow(ctx context.Context, path string, opts FollowOptions, fn func(schemas.ActionStep)) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("journal-follow")

	whence := io.SeekEnd
	if opts.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      opts.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail journal file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	// A replaced file restarts from its first line; the last seen Seq keeps
	// already delivered steps of the same run from being delivered twice.
	lastSeq, runID := -1, ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				logger.Warn("Error reading journal file.", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			step, head, err := decodeLine([]byte(text))
			if err != nil {
				logger.Debug("Skipping undecodable journal line.", zap.Error(err))
				continue
			}
			if head != nil {
				if head.RunID != runID {
					runID, lastSeq = head.RunID, -1
				}
				continue
			}
			if step.Seq <= lastSeq {
				continue
			}
			lastSeq = step.Seq
			fn(*step)
		}
	}
}
