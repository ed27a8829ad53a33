// Package convstore implements the conversation state store (spec.md
// §4.G): an in-memory, per-conversation ordered list of injected messages,
// consulted by the classifier's sync-inject branch and appended to by the
// dispatcher after a successful intercepted completion.
package convstore

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Sender is who a message's content is attributed to.
type Sender string

// Senders.
const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// ContentBlock is one span of text within a message, with capture
// timestamps for parity with the vendor's sync response shape.
type ContentBlock struct {
	Text    string    `json:"text"`
	StartTS time.Time `json:"start_ts"`
	StopTS  time.Time `json:"stop_ts"`
}

// Message is an Injected Message per spec.md §3.
type Message struct {
	UUID              string         `json:"uuid"`
	Sender            Sender         `json:"sender"`
	Index             int            `json:"index"`
	ParentMessageUUID string         `json:"parent_message_uuid"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	Content           []ContentBlock `json:"content"`
	Attachments       []any          `json:"attachments"`
	Files             []any          `json:"files"`
	FilesV2           []any          `json:"files_v2"`
	SyncSources       []any          `json:"sync_sources"`
	Truncated         bool           `json:"truncated"`
	Text              string         `json:"text"`
}

// RootParentUUID is the stable sentinel used as a first user message's
// parent when the client supplied none (spec.md §3).
const RootParentUUID = "00000000-0000-0000-0000-000000000000"

// conversation holds one conversation's ordered messages plus a
// per-conversation mutex, so distinct conversations proceed in parallel
// (spec.md §5).
type conversation struct {
	mu       sync.Mutex
	messages []Message
}

// Store is the process-lifetime conversation state store. Loss across
// restarts is acceptable, per spec.md §4.G.
type Store struct {
	mu    sync.Mutex // guards the conversations map itself, not its values
	convs map[string]*conversation
	clock clock.Clock
}

// New returns an empty Store using the real wall clock.
func New() *Store {
	return &Store{convs: make(map[string]*conversation), clock: clock.RealClock{}}
}

// NewWithClock returns an empty Store using the given clock, for
// deterministic tests (mirroring the teacher's secretmanager test style).
func NewWithClock(c clock.Clock) *Store {
	return &Store{convs: make(map[string]*conversation), clock: c}
}

func (s *Store) conversationFor(convUUID string) *conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[convUUID]
	if !ok {
		c = &conversation{}
		s.convs[convUUID] = c
	}
	return c
}

// Append records an injected (user, assistant) pair for convUUID, computing
// each message's index and parent-UUID chain per spec.md §3: the user
// message's parent is clientParentUUID; if that is empty, it is the last
// stored message's UUID, or RootParentUUID when the conversation has no
// messages yet. The assistant message's parent is the user message's UUID.
func (s *Store) Append(convUUID, clientParentUUID, userText, assistantText string) (userMsg, assistantMsg Message) {
	c := s.conversationFor(convUUID)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := s.clock.Now()
	nextIndex := len(c.messages)

	parent := clientParentUUID
	if parent == "" {
		if len(c.messages) > 0 {
			parent = c.messages[len(c.messages)-1].UUID
		} else {
			parent = RootParentUUID
		}
	}

	userMsg = Message{
		UUID:              uuid.New().String(),
		Sender:            SenderUser,
		Index:             nextIndex,
		ParentMessageUUID: parent,
		CreatedAt:         now,
		UpdatedAt:         now,
		Content:           []ContentBlock{{Text: userText, StartTS: now, StopTS: now}},
		Text:              userText,
	}
	assistantMsg = Message{
		UUID:              uuid.New().String(),
		Sender:            SenderAssistant,
		Index:             nextIndex + 1,
		ParentMessageUUID: userMsg.UUID,
		CreatedAt:         now,
		UpdatedAt:         now,
		Content:           []ContentBlock{{Text: assistantText, StartTS: now, StopTS: now}},
		Text:              assistantText,
	}

	c.messages = append(c.messages, userMsg, assistantMsg)
	return userMsg, assistantMsg
}

// Get returns the ordered messages stored for convUUID, or an empty slice
// if none.
func (s *Store) Get(convUUID string) []Message {
	c := s.conversationFor(convUUID)
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// HasMessages reports whether convUUID has any recorded injected messages,
// used by the classifier to decide the sync-inject branch.
func (s *Store) HasMessages(convUUID string) bool {
	s.mu.Lock()
	c, ok := s.convs[convUUID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages) > 0
}

// CurrentLeaf returns the UUID of the last message appended for convUUID,
// or "" if none, matching spec.md §3's "current leaf" accessor.
func (s *Store) CurrentLeaf(convUUID string) string {
	msgs := s.Get(convUUID)
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].UUID
}
