// Package store holds the in-memory, per-conversation message cache. It is
// the sole authority for local message identity, ordering and status: every
// other component either writes through it or observes it via bus events.
package store

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemapp/chatkit/internal/bus"
	"github.com/tandemapp/chatkit/internal/wire"
)

// Store serializes all mutation through one mutex (single-writer semantics).
// Reads return copies, so observers never alias internal state.
type Store struct {
	mu     sync.Mutex
	convs  map[string]*conversation
	bus    *bus.Bus
	logger *zap.Logger
}

// conversation is the cached state for the chat with one other user.
type conversation struct {
	userID      string
	profileName string
	// msgs is ordered by CreatedAt ascending; equal timestamps keep
	// arrival order.
	msgs   []wire.Message
	unread int
}

// MessageChange is the payload for store.message_changed events.
type MessageChange struct {
	UserID  string
	Message wire.Message
}

// UnreadChange is the payload for store.unread_changed events.
type UnreadChange struct {
	UserID string
	Count  int
}

// HistoryMerge is the payload for store.history_merged events.
type HistoryMerge struct {
	UserID   string
	Messages []wire.Message
}

// ConversationChange is the payload for store.conversation_changed events.
type ConversationChange struct {
	Conversation wire.Conversation
}

// New creates an empty store.
func New(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		convs:  make(map[string]*conversation),
		bus:    b,
		logger: logger,
	}
}

// InsertOptimistic appends a sending-status entry for an unsent message and
// returns its local entry ID (the temporary ID).
func (s *Store) InsertOptimistic(temp wire.TemporaryMessage) string {
	msg := wire.Message{
		ID:         temp.TemporaryID,
		ReceiverID: temp.ReceiverID,
		Content:    temp.Content,
		CreatedAt:  temp.CreatedAt,
		Status:     wire.StatusSending,
	}

	s.mu.Lock()
	c := s.conv(temp.ReceiverID)
	c.insert(msg)
	s.mu.Unlock()

	s.publishMessage(temp.ReceiverID, msg)
	return temp.TemporaryID
}

// Reconcile replaces the entry whose ID equals temporaryID with the
// server-confirmed message. It is a replace, never an insert: if the
// temporary entry is gone (explicit failure path removed it) this is a
// silent no-op, and if the server message is already present (it raced in
// over the transport) the temporary entry is dropped instead of duplicated.
func (s *Store) Reconcile(temporaryID string, serverMsg wire.Message) {
	serverMsg.Status = wire.StatusSent
	if serverMsg.Read {
		serverMsg.Status = wire.StatusRead
	}

	s.mu.Lock()
	c, i := s.find(temporaryID)
	if c == nil {
		s.mu.Unlock()
		s.logger.Debug("reconcile for unknown temporary id", zap.String("temporary_id", temporaryID))
		return
	}
	if _, j := s.find(serverMsg.ID); j >= 0 {
		// Server copy already arrived; drop the placeholder.
		c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
		s.mu.Unlock()
		return
	}
	old := c.msgs[i]
	if serverMsg.CreatedAt.Equal(old.CreatedAt) {
		// Stable position under the same timestamp.
		c.msgs[i] = serverMsg
	} else {
		c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
		c.insert(serverMsg)
	}
	userID := c.userID
	s.mu.Unlock()

	s.publishMessage(userID, serverMsg)
}

// MarkFailed flags the matching optimistic entry as failed. The entry stays
// visible so the user can retry or discard it.
func (s *Store) MarkFailed(temporaryID string) {
	s.mu.Lock()
	c, i := s.find(temporaryID)
	if c == nil {
		s.mu.Unlock()
		return
	}
	c.msgs[i].Status = wire.StatusFailed
	msg := c.msgs[i]
	userID := c.userID
	s.mu.Unlock()

	s.publishMessage(userID, msg)
}

// MarkSending flips a failed entry back to sending for a user-initiated
// resend. Returns false if the entry is missing or not in failed state.
func (s *Store) MarkSending(temporaryID string) bool {
	s.mu.Lock()
	c, i := s.find(temporaryID)
	if c == nil || c.msgs[i].Status != wire.StatusFailed {
		s.mu.Unlock()
		return false
	}
	c.msgs[i].Status = wire.StatusSending
	msg := c.msgs[i]
	userID := c.userID
	s.mu.Unlock()

	s.publishMessage(userID, msg)
	return true
}

// ApplyIncoming appends a message received from the server, keyed by its
// sender. Duplicate IDs are idempotent no-ops. Returns whether the message
// was newly inserted.
func (s *Store) ApplyIncoming(msg wire.Message) bool {
	if msg.Status == "" {
		msg.Status = wire.StatusDelivered
		if msg.Read {
			msg.Status = wire.StatusRead
		}
	}

	s.mu.Lock()
	if c, i := s.find(msg.ID); c != nil && i >= 0 {
		s.mu.Unlock()
		return false
	}
	c := s.conv(msg.SenderID)
	c.insert(msg)
	s.mu.Unlock()

	s.publishMessage(msg.SenderID, msg)
	return true
}

// ApplyReadReceipt marks the matching message as read. Unknown IDs are
// silent no-ops.
func (s *Store) ApplyReadReceipt(messageID string) {
	s.mu.Lock()
	c, i := s.find(messageID)
	if c == nil {
		s.mu.Unlock()
		return
	}
	c.msgs[i].Read = true
	c.msgs[i].Status = wire.StatusRead
	msg := c.msgs[i]
	userID := c.userID
	s.mu.Unlock()

	s.publishMessage(userID, msg)
}

// SetUnreadCount overwrites a conversation's unread count from a server
// push. Negative counts clamp to zero.
func (s *Store) SetUnreadCount(userID string, count int) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	c := s.conv(userID)
	c.unread = count
	s.mu.Unlock()

	s.publishUnread(userID, count)
}

// IncrementUnread bumps a conversation's unread count by one.
func (s *Store) IncrementUnread(userID string) {
	s.mu.Lock()
	c := s.conv(userID)
	c.unread++
	count := c.unread
	s.mu.Unlock()

	s.publishUnread(userID, count)
}

// MarkConversationRead zeroes the unread count and marks every message from
// that user as read.
func (s *Store) MarkConversationRead(userID string) {
	s.mu.Lock()
	c, ok := s.convs[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	c.unread = 0
	var changed []wire.Message
	for i := range c.msgs {
		if c.msgs[i].SenderID == userID && !c.msgs[i].Read {
			c.msgs[i].Read = true
			c.msgs[i].Status = wire.StatusRead
			changed = append(changed, c.msgs[i])
		}
	}
	s.mu.Unlock()

	s.publishUnread(userID, 0)
	for _, msg := range changed {
		s.publishMessage(userID, msg)
	}
}

// History returns a copy of the merged, ordered message sequence for the
// conversation with userID.
func (s *Store) History(userID string) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[userID]
	if !ok {
		return nil
	}
	out := make([]wire.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

// MergeHistory folds a page of server history into the conversation without
// disturbing pending optimistic entries. Messages already present are left
// untouched.
func (s *Store) MergeHistory(userID string, msgs []wire.Message) {
	s.mu.Lock()
	c := s.conv(userID)
	var inserted []wire.Message
	for _, msg := range msgs {
		if wire.IsTemporaryID(msg.ID) {
			continue
		}
		if _, i := s.find(msg.ID); i >= 0 {
			continue
		}
		msg.Status = historyStatus(userID, msg)
		c.insert(msg)
		inserted = append(inserted, msg)
	}
	s.mu.Unlock()

	if len(inserted) > 0 && s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind:      "store.history_merged",
			Timestamp: time.Now(),
			Payload:   HistoryMerge{UserID: userID, Messages: inserted},
		})
	}
}

// ApplyConversationSnapshot folds a server conversations listing into the
// store. Local projections win when they are newer than the snapshot.
func (s *Store) ApplyConversationSnapshot(snapshot []wire.Conversation) {
	var changes []wire.Conversation

	s.mu.Lock()
	for _, sc := range snapshot {
		c := s.conv(sc.UserID)
		if sc.ProfileName != "" {
			c.profileName = sc.ProfileName
		}
		if sc.LastMessage != nil {
			last := c.last()
			if last == nil || sc.LastMessage.CreatedAt.After(last.CreatedAt) {
				// Snapshot is newer than anything local: adopt it.
				if _, i := s.find(sc.LastMessage.ID); i < 0 {
					msg := *sc.LastMessage
					msg.Status = historyStatus(sc.UserID, msg)
					c.insert(msg)
				}
				if sc.UnreadCount >= 0 {
					c.unread = sc.UnreadCount
				}
			}
		}
		changes = append(changes, c.snapshot())
	}
	s.mu.Unlock()

	for _, conv := range changes {
		s.publishConversation(conv)
	}
}

// Conversations returns the projected conversation list, most recently
// active first.
func (s *Store) Conversations() []wire.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.snapshot())
	}
	sortConversations(out)
	return out
}

// Get returns a copy of the message with the given ID.
func (s *Store) Get(messageID string) (wire.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, i := s.find(messageID)
	if c == nil {
		return wire.Message{}, false
	}
	return c.msgs[i], true
}

// Reset drops all cached state. It is an explicit command, published as
// store.reset so dependents (archive, UI) can react.
func (s *Store) Reset() {
	s.mu.Lock()
	s.convs = make(map[string]*conversation)
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: "store.reset", Timestamp: time.Now()})
	}
}

// conv returns the conversation for userID, creating it if needed.
// Caller holds s.mu.
func (s *Store) conv(userID string) *conversation {
	c, ok := s.convs[userID]
	if !ok {
		c = &conversation{userID: userID}
		s.convs[userID] = c
	}
	return c
}

// find locates a message by ID across all conversations. Caller holds s.mu.
func (s *Store) find(id string) (*conversation, int) {
	if id == "" {
		return nil, -1
	}
	for _, c := range s.convs {
		for i := range c.msgs {
			if c.msgs[i].ID == id {
				return c, i
			}
		}
	}
	return nil, -1
}

func (s *Store) publishMessage(userID string, msg wire.Message) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "store.message_changed",
		Timestamp: time.Now(),
		Payload:   MessageChange{UserID: userID, Message: msg},
	})
}

func (s *Store) publishUnread(userID string, count int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "store.unread_changed",
		Timestamp: time.Now(),
		Payload:   UnreadChange{UserID: userID, Count: count},
	})
}

func (s *Store) publishConversation(conv wire.Conversation) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      "store.conversation_changed",
		Timestamp: time.Now(),
		Payload:   ConversationChange{Conversation: conv},
	})
}

// insert places msg at its ordered position: after every entry whose
// CreatedAt is not later than msg's, so equal timestamps keep arrival order.
func (c *conversation) insert(msg wire.Message) {
	i := len(c.msgs)
	for i > 0 && c.msgs[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	c.msgs = append(c.msgs, wire.Message{})
	copy(c.msgs[i+1:], c.msgs[i:])
	c.msgs[i] = msg
}

func (c *conversation) last() *wire.Message {
	if len(c.msgs) == 0 {
		return nil
	}
	return &c.msgs[len(c.msgs)-1]
}

func (c *conversation) snapshot() wire.Conversation {
	conv := wire.Conversation{
		UserID:      c.userID,
		ProfileName: c.profileName,
		UnreadCount: c.unread,
	}
	if last := c.last(); last != nil {
		msg := *last
		conv.LastMessage = &msg
	}
	return conv
}

func historyStatus(userID string, msg wire.Message) wire.Status {
	if msg.Read {
		return wire.StatusRead
	}
	if msg.SenderID == userID {
		// From the other user.
		return wire.StatusDelivered
	}
	return wire.StatusSent
}

// sortConversations orders by most recent activity first; conversations
// without messages sink to the end.
func sortConversations(convs []wire.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return newer(convs[i], convs[j])
	})
}

func newer(a, b wire.Conversation) bool {
	if a.LastMessage == nil {
		return false
	}
	if b.LastMessage == nil {
		return true
	}
	return a.LastMessage.CreatedAt.After(b.LastMessage.CreatedAt)
}
