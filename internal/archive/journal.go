package archive

import (
	"context"

	"go.uber.org/zap"

	"github.com/tandemapp/chatkit/internal/bus"
	"github.com/tandemapp/chatkit/internal/store"
	"github.com/tandemapp/chatkit/internal/wire"
)

// Journal subscribes to store.* events and persists confirmed chat data.
// Optimistic entries (temporary IDs) are skipped: they only become durable
// once reconciled into a server identity.
type Journal struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewJournal creates a journal writing to db.
func NewJournal(db *DB, b *bus.Bus, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, bus: b, logger: logger}
}

// Start subscribes to store events on the bus.
func (j *Journal) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	ch, unsub := j.bus.Subscribe("store.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				j.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the journal.
func (j *Journal) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
}

func (j *Journal) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "store.message_changed":
		change, ok := evt.Payload.(store.MessageChange)
		if !ok {
			return
		}
		j.record(change.UserID, change.Message)
	case "store.history_merged":
		merge, ok := evt.Payload.(store.HistoryMerge)
		if !ok {
			return
		}
		for _, msg := range merge.Messages {
			j.record(merge.UserID, msg)
		}
	case "store.unread_changed":
		change, ok := evt.Payload.(store.UnreadChange)
		if !ok {
			return
		}
		if err := j.db.SetUnread(change.UserID, change.Count); err != nil {
			j.logger.Error("failed to journal unread count", zap.Error(err), zap.String("user_id", change.UserID))
		}
	case "store.conversation_changed":
		change, ok := evt.Payload.(store.ConversationChange)
		if !ok {
			return
		}
		if err := j.db.UpsertConversation(change.Conversation); err != nil {
			j.logger.Error("failed to journal conversation", zap.Error(err), zap.String("user_id", change.Conversation.UserID))
		}
	case "store.reset":
		if err := j.clear(); err != nil {
			j.logger.Error("failed to clear journal on reset", zap.Error(err))
		}
	}
}

func (j *Journal) record(userID string, msg wire.Message) {
	if wire.IsTemporaryID(msg.ID) {
		return
	}
	if err := j.db.UpsertMessage(userID, msg); err != nil {
		j.logger.Error("failed to journal message", zap.Error(err), zap.String("msg_id", msg.ID))
	}
}

func (j *Journal) clear() error {
	if _, err := j.db.Exec(`DELETE FROM messages`); err != nil {
		return err
	}
	_, err := j.db.Exec(`DELETE FROM conversations`)
	return err
}
