package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type transferStatus string

const (
	transferPending  transferStatus = "pending"
	transferAccepted transferStatus = "accepted"
)

// ImageTransfer is one offered image between a sender and a receiver.
type ImageTransfer struct {
	ID        string
	Sender    string
	Receiver  string
	Filename  string
	Status    transferStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

type transferKey struct {
	sender   string
	receiver string
}

// ImageTransfers tracks the IMAGE_REQUEST / IMAGE_ACCEPT handshake. There is
// at most one open offer per (sender, receiver) pair; a new request replaces it.
type ImageTransfers struct {
	mu     sync.Mutex
	offers map[transferKey]*ImageTransfer
	ttl    time.Duration
	logger *slog.Logger
}

func NewImageTransfers(ttl time.Duration, logger *slog.Logger) *ImageTransfers {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageTransfers{
		offers: make(map[transferKey]*ImageTransfer),
		ttl:    ttl,
		logger: logger.With("component", "images"),
	}
}

func (t *ImageTransfers) Offer(sender, receiver, filename string) *ImageTransfer {
	now := time.Now()
	transfer := &ImageTransfer{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Filename:  filename,
		Status:    transferPending,
		CreatedAt: now,
		ExpiresAt: now.Add(t.ttl),
	}

	t.mu.Lock()
	t.offers[transferKey{sender, receiver}] = transfer
	t.mu.Unlock()

	t.logger.Debug("image offered", "transfer", transfer.ID, "sender", sender, "receiver", receiver, "file", filename)
	return transfer
}

// Accept marks the offer from sender to receiver as accepted and restarts its
// expiry so the sender has time to upload.
func (t *ImageTransfers) Accept(receiver, sender string) (*ImageTransfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	transfer, ok := t.offers[transferKey{sender, receiver}]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if transfer.Status != transferPending {
		return nil, ErrTransferNotPending
	}
	transfer.Status = transferAccepted
	transfer.ExpiresAt = time.Now().Add(t.ttl)
	copied := *transfer
	return &copied, nil
}

// Reject drops the offer from sender to receiver.
func (t *ImageTransfers) Reject(receiver, sender string) (*ImageTransfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := transferKey{sender, receiver}
	transfer, ok := t.offers[key]
	if !ok {
		return nil, ErrTransferNotFound
	}
	delete(t.offers, key)
	return transfer, nil
}

// Complete consumes an accepted offer; IMAGE_DATA is only relayed after it succeeds.
func (t *ImageTransfers) Complete(sender, receiver string) (*ImageTransfer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := transferKey{sender, receiver}
	transfer, ok := t.offers[key]
	if !ok {
		return nil, ErrTransferNotFound
	}
	if transfer.Status != transferAccepted {
		return nil, ErrTransferNotAccepted
	}
	delete(t.offers, key)
	return transfer, nil
}

// DropUser removes every offer userID takes part in.
func (t *ImageTransfers) DropUser(userID string) []*ImageTransfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []*ImageTransfer
	for key, transfer := range t.offers {
		if key.sender == userID || key.receiver == userID {
			dropped = append(dropped, transfer)
			delete(t.offers, key)
		}
	}
	return dropped
}

func (t *ImageTransfers) CleanExpired(now time.Time) []*ImageTransfer {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*ImageTransfer
	for key, transfer := range t.offers {
		if now.After(transfer.ExpiresAt) {
			t.logger.Info("image offer expired", "transfer", transfer.ID, "sender", key.sender, "receiver", key.receiver)
			expired = append(expired, transfer)
			delete(t.offers, key)
		}
	}
	return expired
}

func (t *ImageTransfers) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.offers)
}

// Run cleans expired offers until ctx is done. onExpire is called for each
// expired offer outside the lock.
func (t *ImageTransfers) Run(ctx context.Context, onExpire func(*ImageTransfer)) {
	interval := time.Minute
	if t.ttl < interval {
		interval = t.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, transfer := range t.CleanExpired(now) {
				if onExpire != nil {
					onExpire(transfer)
				}
			}
		}
	}
}

var (
	ErrTransferNotFound    = &TransferError{msg: "no pending image offer"}
	ErrTransferNotPending  = &TransferError{msg: "image offer already answered"}
	ErrTransferNotAccepted = &TransferError{msg: "image offer not accepted"}
)

type TransferError struct {
	msg string
}

func (e *TransferError) Error() string {
	return e.msg
}
