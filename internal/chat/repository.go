// Package chat orchestrates the message store, the duplex transport and the
// REST fallback behind one repository interface. It is the only entry point
// the rest of the application uses for sending, receiving and paginating
// chat data.
package chat

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemapp/chatkit/internal/bus"
	"github.com/tandemapp/chatkit/internal/chaterr"
	"github.com/tandemapp/chatkit/internal/rest"
	"github.com/tandemapp/chatkit/internal/retry"
	"github.com/tandemapp/chatkit/internal/status"
	"github.com/tandemapp/chatkit/internal/store"
	"github.com/tandemapp/chatkit/internal/wire"
)

// Transport is the duplex fast path for outbound envelopes.
type Transport interface {
	Send(env wire.Envelope) error
	State() status.State
}

// API is the REST surface used when the transport is unavailable and for
// paginated reads.
type API interface {
	SendMessage(ctx context.Context, receiverID, content string) (*wire.Message, error)
	SendImageMessage(ctx context.Context, receiverID, imageURL string) (*wire.Message, error)
	UploadImage(ctx context.Context, filename string, image io.Reader) (string, error)
	History(ctx context.Context, userID string, page, limit int) (*rest.HistoryPage, error)
	Conversations(ctx context.Context) ([]wire.Conversation, error)
	MarkMessageRead(ctx context.Context, messageID string) error
	MarkConversationRead(ctx context.Context, userID string) error
}

// SendFailure is the payload for chat.send_failed events.
type SendFailure struct {
	TemporaryID string
	Err         error
}

// TypingNotice is the payload for chat.typing events. Typing is transient
// and never enters the store.
type TypingNotice struct {
	UserID string
}

// Repository coordinates all chat data flows. All dependencies are injected
// at construction; there is no lazy initialization.
type Repository struct {
	selfID    string
	store     *store.Store
	transport Transport
	api       API
	bus       *bus.Bus
	policy    retry.Policy
	logger    *zap.Logger

	mu     sync.Mutex
	active string
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a repository. policy applies to every REST call; a zero
// policy means retry.Default.
func New(selfID string, st *store.Store, tr Transport, api API, b *bus.Bus, policy retry.Policy, logger *zap.Logger) *Repository {
	if policy == (retry.Policy{}) {
		policy = retry.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		selfID:    selfID,
		store:     st,
		transport: tr,
		api:       api,
		bus:       b,
		policy:    policy,
		logger:    logger,
	}
}

// Start subscribes to inbound envelopes on the bus and begins dispatching
// them into the store.
func (r *Repository) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.ctx = ctx
	r.cancel = cancel
	r.mu.Unlock()

	ch, unsub := r.bus.Subscribe("wire.", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEnvelope(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the dispatch loop and any in-flight background sends.
func (r *Repository) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetActiveConversation marks the conversation currently on screen. Incoming
// messages for it do not bump the unread count.
func (r *Repository) SetActiveConversation(userID string) {
	r.mu.Lock()
	r.active = userID
	r.mu.Unlock()
}

// SendMessage inserts an optimistic entry and returns it immediately; the
// actual delivery completes in the background. When the duplex connection is
// up the envelope goes out over it and the server's confirmation reconciles
// the entry; otherwise (or if the transport write fails) the REST endpoint
// is used under the retry policy. A delivery failure flips the entry to
// failed for a user-initiated resend; it is never surfaced as a panic or a
// synchronous error.
func (r *Repository) SendMessage(receiverID, content string) wire.Message {
	temp := wire.NewTemporaryMessage(receiverID, content)
	r.store.InsertOptimistic(temp)
	go r.deliver(temp)
	return wire.Message{
		ID:         temp.TemporaryID,
		SenderID:   r.selfID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  temp.CreatedAt,
		Status:     wire.StatusSending,
	}
}

// SendImageMessage uploads the image and then posts a message referencing
// the stored URL. The upload strictly precedes the message send. Like
// SendMessage it returns the optimistic entry immediately.
func (r *Repository) SendImageMessage(receiverID, filename string, image io.Reader) wire.Message {
	temp := wire.NewTemporaryMessage(receiverID, filename)
	r.store.InsertOptimistic(temp)
	go r.deliverImage(temp, filename, image)
	return wire.Message{
		ID:         temp.TemporaryID,
		SenderID:   r.selfID,
		ReceiverID: receiverID,
		Content:    filename,
		CreatedAt:  temp.CreatedAt,
		Status:     wire.StatusSending,
	}
}

// ResendFailed re-drives a failed optimistic entry through the send path.
func (r *Repository) ResendFailed(messageID string) error {
	if !wire.IsTemporaryID(messageID) {
		return fmt.Errorf("%w: %s is not a local entry", chaterr.ErrNotFound, messageID)
	}
	msg, ok := r.store.Get(messageID)
	if !ok {
		return fmt.Errorf("%w: %s", chaterr.ErrNotFound, messageID)
	}
	if !r.store.MarkSending(messageID) {
		return fmt.Errorf("message %s is not in a failed state", messageID)
	}
	go r.deliver(wire.TemporaryMessage{
		TemporaryID: messageID,
		ReceiverID:  msg.ReceiverID,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
	})
	return nil
}

// SendTyping notifies the peer that the user is typing. Best effort, duplex
// only: when the connection is down the notification is simply skipped.
func (r *Repository) SendTyping(receiverID string) {
	if r.transport.State() != status.Connected {
		return
	}
	_ = r.transport.Send(wire.Envelope{Type: wire.TypeTyping, ReceiverID: receiverID})
}

// LoadHistory fetches one page of server history and merges it into the
// store without disturbing pending optimistic entries. It returns the
// store's merged view for the conversation.
func (r *Repository) LoadHistory(ctx context.Context, otherUserID string, page, limit int) ([]wire.Message, error) {
	pg, err := retry.Do(ctx, r.policy, func(ctx context.Context) (*rest.HistoryPage, error) {
		return r.api.History(ctx, otherUserID, page, limit)
	})
	if err != nil {
		return nil, err
	}
	r.store.MergeHistory(otherUserID, pg.Messages)
	return r.store.History(otherUserID), nil
}

// LoadConversations fetches the server's conversation summaries and folds
// them into the store; local projections win over a stale snapshot.
func (r *Repository) LoadConversations(ctx context.Context) ([]wire.Conversation, error) {
	convs, err := retry.Do(ctx, r.policy, func(ctx context.Context) ([]wire.Conversation, error) {
		return r.api.Conversations(ctx)
	})
	if err != nil {
		return nil, err
	}
	r.store.ApplyConversationSnapshot(convs)
	return r.store.Conversations(), nil
}

// MarkRead reports one message as read. The store is updated optimistically
// first; the server is told over the duplex connection when it is up, or
// via REST otherwise. Repeating the call for an already-read message is a
// harmless no-op apart from the call itself.
func (r *Repository) MarkRead(ctx context.Context, messageID string) error {
	r.store.ApplyReadReceipt(messageID)
	if r.transport.State() == status.Connected {
		if err := r.transport.Send(wire.Envelope{Type: wire.TypeMarkRead, MessageID: messageID}); err == nil {
			return nil
		}
	}
	_, err := retry.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.api.MarkMessageRead(ctx, messageID)
	})
	return err
}

// MarkConversationRead reports a whole conversation as read, resetting its
// unread count. Idempotent like MarkRead.
func (r *Repository) MarkConversationRead(ctx context.Context, otherUserID string) error {
	r.store.MarkConversationRead(otherUserID)
	if r.transport.State() == status.Connected {
		if err := r.transport.Send(wire.Envelope{Type: wire.TypeMarkRead, UserID: otherUserID}); err == nil {
			return nil
		}
	}
	_, err := retry.Do(ctx, r.policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.api.MarkConversationRead(ctx, otherUserID)
	})
	return err
}

// History returns the store's current merged view for a conversation.
func (r *Repository) History(otherUserID string) []wire.Message {
	return r.store.History(otherUserID)
}

func (r *Repository) deliver(temp wire.TemporaryMessage) {
	if r.transport.State() == status.Connected {
		env := wire.Envelope{
			Type:       wire.TypeMessage,
			ReceiverID: temp.ReceiverID,
			Content:    temp.Content,
			MessageID:  temp.TemporaryID,
		}
		if err := r.transport.Send(env); err == nil {
			// Confirmation arrives as an envelope echoing the temporary ID.
			return
		}
		r.logger.Debug("transport send failed, using REST fallback",
			zap.String("temporary_id", temp.TemporaryID))
	}

	ctx := r.lifetime()
	msg, err := retry.Do(ctx, r.policy, func(ctx context.Context) (*wire.Message, error) {
		return r.api.SendMessage(ctx, temp.ReceiverID, temp.Content)
	})
	if err != nil {
		r.fail(temp.TemporaryID, err)
		return
	}
	r.store.Reconcile(temp.TemporaryID, *msg)
}

func (r *Repository) deliverImage(temp wire.TemporaryMessage, filename string, image io.Reader) {
	ctx := r.lifetime()

	imageURL, err := retry.Do(ctx, r.policy, func(ctx context.Context) (string, error) {
		return r.api.UploadImage(ctx, filename, image)
	})
	if err != nil {
		r.fail(temp.TemporaryID, err)
		return
	}

	// The upload finished; only now is the message posted.
	msg, err := retry.Do(ctx, r.policy, func(ctx context.Context) (*wire.Message, error) {
		return r.api.SendImageMessage(ctx, temp.ReceiverID, imageURL)
	})
	if err != nil {
		r.fail(temp.TemporaryID, err)
		return
	}
	r.store.Reconcile(temp.TemporaryID, *msg)
}

func (r *Repository) fail(temporaryID string, err error) {
	r.logger.Warn("send failed",
		zap.String("temporary_id", temporaryID),
		zap.Error(err))
	r.store.MarkFailed(temporaryID)
	r.publish("chat.send_failed", SendFailure{TemporaryID: temporaryID, Err: err})
}

func (r *Repository) handleEnvelope(evt bus.Event) {
	env, ok := evt.Payload.(*wire.Envelope)
	if !ok {
		return
	}
	switch env.Type {
	case wire.TypeMessage:
		r.handleMessage(env)
	case wire.TypeReadReceipt:
		r.store.ApplyReadReceipt(env.MessageID)
	case wire.TypeUnreadCount:
		if env.Count != nil && env.UserID != "" {
			r.store.SetUnreadCount(env.UserID, *env.Count)
		}
	case wire.TypeTyping:
		r.publish("chat.typing", TypingNotice{UserID: env.SenderID})
	case wire.TypeError:
		r.logger.Warn("server error envelope", zap.String("error", env.Error))
		r.publish("chat.error", env.Error)
	case wire.TypeConnected:
		r.logger.Info("server acknowledged connection")
	}
}

func (r *Repository) handleMessage(env *wire.Envelope) {
	if env.Message == nil {
		return
	}
	msg := *env.Message

	// Confirmation of an own send: the server echoes the temporary ID.
	if wire.IsTemporaryID(env.MessageID) {
		r.store.Reconcile(env.MessageID, msg)
		return
	}
	if msg.SenderID == r.selfID {
		// Own message without a temporary ID (sent from another session or
		// already reconciled): fold it into the peer's conversation.
		r.store.MergeHistory(msg.ReceiverID, []wire.Message{msg})
		return
	}

	inserted := r.store.ApplyIncoming(msg)
	if inserted && msg.SenderID != r.activeConversation() {
		r.store.IncrementUnread(msg.SenderID)
	}
}

func (r *Repository) activeConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Repository) lifetime() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

func (r *Repository) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
