// Package reconciler merges messages from push events, poll results and
// REST responses into the conversation store without duplicates, keeping
// each list sorted by timestamp and the unread counters consistent.
package reconciler

import (
	"cmp"
	"errors"
	"slices"
	"strings"

	"github.com/adi-253/Haven/backend/internal/models"
	"github.com/adi-253/Haven/backend/internal/normalizer"
	"github.com/adi-253/Haven/backend/internal/store"
	"go.uber.org/zap"
)

// Outcome reports what an upsert did.
type Outcome int

const (
	// Dropped means the payload was malformed and ignored.
	Dropped Outcome = iota
	// Inserted means a new message was added.
	Inserted
	// Duplicate means the message was already present.
	Duplicate
	// UnknownConversation means the conversation is not in the store.
	UnknownConversation
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case UnknownConversation:
		return "unknown_conversation"
	default:
		return "dropped"
	}
}

// Reconciler writes normalized messages into a store.
type Reconciler struct {
	store  *store.Store
	norm   *normalizer.Normalizer
	logger *zap.Logger
}

// New creates a Reconciler.
func New(st *store.Store, norm *normalizer.Normalizer, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, norm: norm, logger: logger}
}

// Store returns the store being reconciled into.
func (r *Reconciler) Store() *store.Store {
	return r.store
}

// Normalize parses raw and logs any fallback that was applied.
func (r *Reconciler) Normalize(conversationID int64, raw map[string]any) (models.Message, bool) {
	res, err := r.norm.Message(raw, conversationID)
	if err != nil {
		r.logger.Warn("dropping malformed message", zap.Int64("conversation_id", conversationID), zap.Error(err))
		return models.Message{}, false
	}
	if res.Has(normalizer.FallbackTimestamp) {
		r.logger.Warn("message timestamp unparseable, using current time",
			zap.Int64("conversation_id", res.Message.ConversationID),
			zap.String("message", res.Message.Key()),
			zap.Any("raw_timestamp", res.RawTimestamp))
	}
	if res.Has(normalizer.FallbackIdentity) {
		r.logger.Warn("message has no id, derived one from its content",
			zap.Int64("conversation_id", res.Message.ConversationID),
			zap.String("message", res.Message.Key()))
	}
	return res.Message, true
}

// UpsertMessage merges one raw message into conversationID. A payload that
// names its own conversation wins over conversationID. Duplicates, by
// server id or client id, are not inserted twice.
func (r *Reconciler) UpsertMessage(conversationID int64, raw map[string]any) (models.Message, Outcome) {
	msg, ok := r.Normalize(conversationID, raw)
	if !ok {
		return models.Message{}, Dropped
	}
	return msg, r.Insert(msg)
}

// Insert merges an already normalized message.
func (r *Reconciler) Insert(msg models.Message) Outcome {
	outcome := Duplicate
	err := r.store.Update(msg.ConversationID, models.ChangeMessages, func(tx *store.Tx) bool {
		fresh := !contains(tx.Messages, msg)
		var changed, c bool
		tx.Messages, changed = merge(tx.Messages, msg)
		if tx.Active {
			tx.ActiveMessages, c = merge(tx.ActiveMessages, msg)
			changed = changed || c
		}
		if fresh {
			outcome = Inserted
			countIncoming(tx, msg)
		}
		return changed
	})
	if errors.Is(err, store.ErrConversationNotFound) {
		r.logger.Debug("message for unknown conversation",
			zap.Int64("conversation_id", msg.ConversationID),
			zap.String("message", msg.Key()))
		return UnknownConversation
	}
	return outcome
}

// MergeMessages merges a fetched message list into conversationID as one
// store mutation and returns how many messages were new. The list is taken
// as the full history, so afterwards the unread count is recounted from the
// cache instead of incremented.
func (r *Reconciler) MergeMessages(conversationID int64, raws []map[string]any) (int, Outcome) {
	msgs := make([]models.Message, 0, len(raws))
	for _, raw := range raws {
		if msg, ok := r.Normalize(conversationID, raw); ok && msg.ConversationID == conversationID {
			msgs = append(msgs, msg)
		}
	}

	inserted := 0
	err := r.store.Update(conversationID, models.ChangeMessages, func(tx *store.Tx) bool {
		changed := !tx.Synced
		for _, msg := range msgs {
			fresh := !contains(tx.Messages, msg)
			var c bool
			tx.Messages, c = merge(tx.Messages, msg)
			changed = changed || c
			if tx.Active {
				tx.ActiveMessages, c = merge(tx.ActiveMessages, msg)
				changed = changed || c
			}
			if fresh {
				inserted++
				if msg.Timestamp.After(tx.Conversation.LastActivityAt) {
					tx.Conversation.LastActivityAt = msg.Timestamp
				}
			}
		}
		tx.Synced = true
		unread := 0
		if !tx.Active {
			unread = DeriveUnread(tx.Messages, tx.ViewerID)
		}
		if unread != tx.Conversation.UnreadCount {
			tx.Conversation.UnreadCount = unread
			changed = true
		}
		return changed
	})
	if errors.Is(err, store.ErrConversationNotFound) {
		return 0, UnknownConversation
	}
	if inserted > 0 {
		return inserted, Inserted
	}
	return 0, Duplicate
}

// AddOptimistic inserts a locally composed message before the server has
// acknowledged it.
func (r *Reconciler) AddOptimistic(msg models.Message) error {
	msg.Delivery = models.DeliveryPending
	return r.store.Update(msg.ConversationID, models.ChangeMessages, func(tx *store.Tx) bool {
		tx.Messages, _ = merge(tx.Messages, msg)
		if tx.Active {
			tx.ActiveMessages, _ = merge(tx.ActiveMessages, msg)
		}
		if msg.Timestamp.After(tx.Conversation.LastActivityAt) {
			tx.Conversation.LastActivityAt = msg.Timestamp
		}
		return true
	})
}

// ConfirmMessage re-keys the optimistic message clientID to the server's
// version in raw. If a push echo already delivered the server version the
// optimistic entry is dropped, leaving exactly one message.
func (r *Reconciler) ConfirmMessage(conversationID int64, clientID string, raw map[string]any) (models.Message, error) {
	res, err := r.norm.Message(raw, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	confirmed := res.Message
	if res.Has(normalizer.FallbackIdentity) {
		// The response had no id of its own, so it is the optimistic message.
		confirmed.ClientID = clientID
	}
	if confirmed.SenderID == 0 {
		confirmed.SenderID = r.store.ViewerID()
	}

	err = r.store.Update(conversationID, models.ChangeMessages, func(tx *store.Tx) bool {
		var base models.Message
		var found bool
		tx.Messages, base, found = confirm(tx.Messages, clientID, confirmed, res.Has(normalizer.FallbackTimestamp))
		if tx.Active {
			tx.ActiveMessages, _, _ = confirm(tx.ActiveMessages, clientID, confirmed, res.Has(normalizer.FallbackTimestamp))
		}
		if found {
			confirmed = base
		}
		return true
	})
	return confirmed, err
}

// confirm replaces the entry with clientID by server, merging with an entry
// that already carries the server id. It returns the stored result.
func confirm(msgs []models.Message, clientID string, server models.Message, keepLocalTime bool) ([]models.Message, models.Message, bool) {
	tempIdx := slices.IndexFunc(msgs, func(m models.Message) bool {
		return m.ClientID == clientID && (m.ID == 0 || m.ID == server.ID)
	})
	if tempIdx < 0 {
		server.Delivery = promote(server.Delivery, models.DeliverySent)
		out, _ := merge(msgs, server)
		return out, server, false
	}

	local := msgs[tempIdx]
	result := local
	if server.ID != 0 {
		result.ID = server.ID
	}
	if !keepLocalTime {
		result.Timestamp = server.Timestamp
	}
	if server.Content != "" {
		result.Content = server.Content
	}
	result.Read = result.Read || server.Read
	result.Delivery = promote(local.Delivery, models.DeliverySent)

	msgs = slices.Delete(slices.Clone(msgs), tempIdx, tempIdx+1)
	if result.ID != 0 {
		if echoIdx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == result.ID }); echoIdx >= 0 {
			echo := msgs[echoIdx]
			result.Read = result.Read || echo.Read
			result.Delivery = promote(result.Delivery, echo.Delivery)
			msgs[echoIdx] = result
			sortMessages(msgs)
			return msgs, result, true
		}
	}
	msgs = append(msgs, result)
	sortMessages(msgs)
	return msgs, result, true
}

// SetDelivery updates the delivery status of the viewer's message clientID.
func (r *Reconciler) SetDelivery(conversationID int64, clientID string, status models.DeliveryStatus) error {
	apply := func(msgs []models.Message) bool {
		for i := range msgs {
			if msgs[i].ClientID == clientID && msgs[i].Delivery != status {
				msgs[i].Delivery = status
				return true
			}
		}
		return false
	}
	return r.store.Update(conversationID, models.ChangeMessages, func(tx *store.Tx) bool {
		changed := apply(tx.Messages)
		if tx.Active {
			changed = apply(tx.ActiveMessages) || changed
		}
		return changed
	})
}

// MarkPeerRead records that the other party read the viewer's messages.
func (r *Reconciler) MarkPeerRead(conversationID int64) error {
	apply := func(msgs []models.Message, viewer int64) bool {
		changed := false
		for i := range msgs {
			m := &msgs[i]
			if m.SenderID != viewer || m.Delivery == models.DeliveryFailed || m.Delivery == models.DeliveryPending {
				continue
			}
			if !m.Read || m.Delivery != models.DeliveryRead {
				m.Read = true
				m.Delivery = models.DeliveryRead
				changed = true
			}
		}
		return changed
	}
	return r.store.Update(conversationID, models.ChangeMessages, func(tx *store.Tx) bool {
		changed := apply(tx.Messages, tx.ViewerID)
		if tx.Active {
			changed = apply(tx.ActiveMessages, tx.ViewerID) || changed
		}
		return changed
	})
}

// ApplyConversations replaces the store's conversation list from a cold
// fetch. Unread counts are re-derived from the cache only where it holds a
// full fetch; a cache of pushed messages alone is partial, so the server's
// count is kept. The active conversation is always zero.
func (r *Reconciler) ApplyConversations(raws []map[string]any) []models.Conversation {
	convs := make([]models.Conversation, 0, len(raws))
	active := r.store.Active()
	for _, raw := range raws {
		conv, fb, err := r.norm.Conversation(raw)
		if err != nil {
			r.logger.Warn("dropping malformed conversation", zap.Error(err))
			continue
		}
		if fb&normalizer.FallbackTimestamp != 0 {
			r.logger.Warn("conversation created_at unparseable", zap.Int64("conversation_id", conv.ID))
		}
		if cached := r.store.Messages(conv.ID); len(cached) > 0 {
			if r.store.Synced(conv.ID) {
				conv.UnreadCount = DeriveUnread(cached, r.store.ViewerID())
			}
			if last := cached[len(cached)-1].Timestamp; last.After(conv.LastActivityAt) {
				conv.LastActivityAt = last
			}
		}
		if conv.ID == active {
			conv.UnreadCount = 0
		}
		convs = append(convs, conv)
	}
	r.store.SetConversations(convs)
	return convs
}

// DeriveUnread counts unread messages not authored by viewerID.
func DeriveUnread(msgs []models.Message, viewerID int64) int {
	n := 0
	for _, m := range msgs {
		if !m.Read && m.SenderID != viewerID {
			n++
		}
	}
	return n
}

// merge inserts msg into msgs keeping them unique and sorted. An existing
// entry for the same message only absorbs facts that move forward: a server
// id, the read flag and a later delivery status.
func merge(msgs []models.Message, msg models.Message) ([]models.Message, bool) {
	if i := slices.IndexFunc(msgs, msg.SameAs); i >= 0 {
		cur := msgs[i]
		next := cur
		if next.ID == 0 && msg.ID != 0 {
			next.ID = msg.ID
			next.Delivery = promote(next.Delivery, models.DeliverySent)
		}
		if next.ClientID == "" {
			next.ClientID = msg.ClientID
		}
		next.Read = next.Read || msg.Read
		next.Delivery = promote(next.Delivery, msg.Delivery)
		if next == cur {
			return msgs, false
		}
		msgs[i] = next
		return msgs, true
	}
	msgs = append(msgs, msg)
	sortMessages(msgs)
	return msgs, true
}

func contains(msgs []models.Message, msg models.Message) bool {
	return slices.ContainsFunc(msgs, msg.SameAs)
}

// countIncoming applies the unread and last-activity side effects of a newly
// inserted message.
func countIncoming(tx *store.Tx, msg models.Message) {
	if msg.Timestamp.After(tx.Conversation.LastActivityAt) {
		tx.Conversation.LastActivityAt = msg.Timestamp
	}
	if msg.SenderID != tx.ViewerID && !tx.Active && !msg.Read {
		tx.Conversation.UnreadCount++
	}
}

var deliveryRank = map[models.DeliveryStatus]int{
	"":                     0,
	models.DeliveryFailed:  1,
	models.DeliveryPending: 2,
	models.DeliverySent:    3,
	models.DeliveryRead:    4,
}

// promote returns the further of two delivery states. Failed only wins
// over an unset status.
func promote(a, b models.DeliveryStatus) models.DeliveryStatus {
	if deliveryRank[b] > deliveryRank[a] {
		return b
	}
	return a
}

// sortMessages orders by timestamp, then server id, then client id. Messages
// without a server id sort after those with one at the same instant.
func sortMessages(msgs []models.Message) {
	slices.SortStableFunc(msgs, compareMessages)
}

func compareMessages(a, b models.Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.ID != 0 && b.ID != 0:
		return cmp.Compare(a.ID, b.ID)
	case a.ID != 0:
		return -1
	case b.ID != 0:
		return 1
	}
	return strings.Compare(a.ClientID, b.ClientID)
}
