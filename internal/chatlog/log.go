// internal/chatlog/log.go
// Package chatlog keeps the messages received during a session in arrival order.
package chatlog

import (
	"iter"
	"sync"

	"github.com/erilali/groupchat/internal/message"
)

// Log is append-only; Clear is only used on session teardown.
type Log struct {
	mu       sync.RWMutex
	messages []message.ChatMessage
	updates  chan struct{}
}

func New() *Log {
	return &Log{
		updates: make(chan struct{}, 1),
	}
}

// Append adds msg at the end and returns the new length. Duplicates are kept.
func (l *Log) Append(msg message.ChatMessage) int {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	n := len(l.messages)
	l.mu.Unlock()

	l.notify()
	return n
}

// Snapshot returns a copy of every message appended so far.
func (l *Log) Snapshot() []message.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]message.ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

// Messages iterates lazily over the log. Every iteration starts from the first
// message and sees all appends made before it reaches the end.
func (l *Log) Messages() iter.Seq[message.ChatMessage] {
	return func(yield func(message.ChatMessage) bool) {
		for i := 0; ; i++ {
			l.mu.RLock()
			if i >= len(l.messages) {
				l.mu.RUnlock()
				return
			}
			msg := l.messages[i]
			l.mu.RUnlock()
			if !yield(msg) {
				return
			}
		}
	}
}

// Since returns the messages after the first n, used by views that render incrementally.
func (l *Log) Since(n int) []message.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.messages) {
		return nil
	}
	out := make([]message.ChatMessage, len(l.messages)-n)
	copy(out, l.messages[n:])
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

func (l *Log) Clear() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()

	l.notify()
}

// Updates signals that the log changed. Signals coalesce: a reader sees at least
// one signal after any number of changes.
func (l *Log) Updates() <-chan struct{} {
	return l.updates
}

func (l *Log) notify() {
	select {
	case l.updates <- struct{}{}:
	default:
	}
}
