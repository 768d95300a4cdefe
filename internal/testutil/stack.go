package testutil

import (
	"testing"
	"time"

	"github.com/BTreeMap/ChatPipe/internal/messaging"
	"github.com/BTreeMap/ChatPipe/internal/queue"
	"github.com/BTreeMap/ChatPipe/internal/session"
	"github.com/BTreeMap/ChatPipe/internal/store"
)

// Stack wires the in-memory store, queue, sessions and messaging layer the way
// the service does, with one RecordingProvider registered.
type Stack struct {
	Store       *store.InMemoryStore
	Queue       *queue.MessageQueue
	DeadLetters *queue.DeadLetterProcessor
	Sessions    *session.Manager
	Registry    *messaging.Registry
	Router      *messaging.Router
	Ingestor    *messaging.Ingestor
	Provider    *RecordingProvider
}

// NewStack builds a Stack whose provider is registered under platform.
func NewStack(t testing.TB, platform string) *Stack {
	t.Helper()
	st := store.NewInMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	q := queue.NewMessageQueue(st, queue.WithBaseRetryDelay(time.Millisecond), queue.WithMaxRetryDelay(10*time.Millisecond))
	reg := messaging.NewRegistry()
	p := NewRecordingProvider(platform)
	reg.Register(p)
	return &Stack{
		Store:       st,
		Queue:       q,
		DeadLetters: queue.NewDeadLetterProcessor(q),
		Sessions:    session.NewManager(st),
		Registry:    reg,
		Router:      messaging.NewRouter(reg),
		Ingestor:    messaging.NewIngestor(q, st),
		Provider:    p,
	}
}
