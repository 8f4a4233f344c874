// Package store persists the append-only action log of events.
//
// Every backend offers the same contract:
//   - Create writes a new event with its initial entries. The creator and the
//     transaction id form an idempotency key: a second Create with the same
//     pair fails with sentinel.ErrAlreadyUsed, and FindCreated returns the
//     event the first one wrote. A tracking id collision fails with
//     sentinel.ErrConflict.
//   - Append adds entries only when the log still has expectedVersion
//     entries; otherwise it fails with sentinel.ErrConflict and writes nothing.
//   - Entries are never updated or reordered.
package store

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"

	"crvs/internal/events/models"
	id "crvs/pkg/domain"
)

// IdempotencyKey hashes the creator and the transaction id into the fixed
// width key stored with every event.
func IdempotencyKey(actor id.UserID, transactionID id.TransactionID) []byte {
	sum := blake2b.Sum256([]byte(actor.String() + "\x00" + transactionID.String()))
	return sum[:]
}

func keyString(actor id.UserID, transactionID id.TransactionID) string {
	return hex.EncodeToString(IdempotencyKey(actor, transactionID))
}

// creator returns the author and transaction of the first log entry.
func creator(event *models.Event) (id.UserID, id.TransactionID) {
	if len(event.Actions) == 0 {
		return id.UserID{}, ""
	}
	return event.Actions[0].CreatedBy, event.Actions[0].TransactionID
}

func cloneEvent(event *models.Event) *models.Event {
	out := *event
	out.Actions = append([]models.Action(nil), event.Actions...)
	return &out
}
