package ingest

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/avitobridge/internal/store"
)

// Persist stores msg under chatID if its id has never been seen and reports
// whether this call inserted it. It is the only authority on "new": a false
// result with a nil error means duplicate, or an unusable record (no id).
//
// The existence check is an optimisation; the insert-if-absent in Commit
// decides races between concurrent writers.
func Persist(ctx context.Context, sess store.Session, chatID string, msg *store.Message) (bool, error) {
	if msg == nil || msg.ID == "" || chatID == "" {
		return false, nil
	}

	existing, err := sess.GetMessage(ctx, msg.ID)
	if err != nil {
		return false, fmt.Errorf("persist %s: %w", msg.ID, err)
	}
	if existing != nil {
		return false, nil
	}

	chat, err := sess.GetChat(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("persist %s: %w", msg.ID, err)
	}
	if chat == nil {
		sess.AddChat(&store.Chat{ID: chatID})
	}

	msg.ChatID = chatID
	sess.AddMessage(msg)
	n, err := sess.Commit(ctx)
	if err != nil {
		return false, fmt.Errorf("persist %s: %w", msg.ID, err)
	}
	return n == 1, nil
}
