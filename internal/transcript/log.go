package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

const keyPrefix = "teno:transcript:"

var ErrAppendFailed = errors.New("transcript append failed")

type ScoredMember struct {
	Member string
	Score  float64
}

// Store has ordered-set semantics: members sorted by ascending score.
type Store interface {
	Add(ctx context.Context, key, member string, score float64) error
	Range(ctx context.Context, key string) ([]string, error)
	RangeWithScores(ctx context.Context, key string) ([]ScoredMember, error)
	RangeLast(ctx context.Context, key string, n int64) ([]string, error)
	RemoveMembers(ctx context.Context, key string, members ...string) error
	Delete(ctx context.Context, keys ...string) error
}

type Log struct {
	store  Store
	key    string
	logger *slog.Logger
	tokens atomic.Int64
}

func Key(meetingID string) string {
	return keyPrefix + meetingID
}

func NewLog(store Store, meetingID string) *Log {
	return &Log{
		store:  store,
		key:    Key(meetingID),
		logger: slog.With("meeting_id", meetingID),
	}
}

func (l *Log) Append(ctx context.Context, line string, timestampMillis int64) error {
	if err := l.store.Add(ctx, l.key, line, float64(timestampMillis)); err != nil {
		return fmt.Errorf("%w: %w", ErrAppendFailed, err)
	}
	l.tokens.Add(int64(estimateTokens(CleanLine(line))))
	return nil
}

func (l *Log) All(ctx context.Context) []string {
	lines, err := l.store.Range(ctx, l.key)
	if err != nil {
		l.logger.Error("failed to read transcript", "error", err)
		return []string{}
	}
	return lines
}

// Recent returns the newest n lines, oldest first.
func (l *Log) Recent(ctx context.Context, n int) []string {
	if n <= 0 {
		return []string{}
	}
	lines, err := l.store.RangeLast(ctx, l.key, int64(n))
	if err != nil {
		l.logger.Error("failed to read recent transcript", "error", err, "count", n)
		return []string{}
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}

func (l *Log) Cleaned(ctx context.Context) []string {
	return CleanLines(l.All(ctx))
}

func (l *Log) WithScores(ctx context.Context) []ScoredMember {
	members, err := l.store.RangeWithScores(ctx, l.key)
	if err != nil {
		l.logger.Error("failed to read transcript with scores", "error", err)
		return []ScoredMember{}
	}
	return members
}

// RemoveSpeaker purges every line whose markup prefix is exactly <speakerID>.
func (l *Log) RemoveSpeaker(ctx context.Context, speakerID string) (int, error) {
	lines, err := l.store.Range(ctx, l.key)
	if err != nil {
		return 0, fmt.Errorf("read transcript: %w", err)
	}
	prefix := speakerPrefix(speakerID)
	matched := make([]string, 0)
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			matched = append(matched, line)
		}
	}
	if len(matched) == 0 {
		return 0, nil
	}
	if err := l.store.RemoveMembers(ctx, l.key, matched...); err != nil {
		return 0, fmt.Errorf("remove speaker lines: %w", err)
	}
	l.logger.Info("removed speaker from transcript", "speaker_id", speakerID, "lines", len(matched))
	return len(matched), nil
}

func (l *Log) Drop(ctx context.Context) error {
	if err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("drop transcript: %w", err)
	}
	l.tokens.Store(0)
	return nil
}

func (l *Log) Tokens() int64 {
	return l.tokens.Load()
}
