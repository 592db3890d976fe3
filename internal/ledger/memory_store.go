package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/veloraapp/veloracoin/internal/coin"
	"github.com/veloraapp/veloracoin/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
	}
}

func emptyBalance(userID string) *Balance {
	return &Balance{
		UserID:    userID,
		Available: "0.00",
		Escrowed:  "0.00",
		TotalIn:   "0.00",
		TotalOut:  "0.00",
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	bal := emptyBalance(userID)
	bal.UpdatedAt = time.Now()
	return bal, nil
}

func (m *MemoryStore) HasAccount(ctx context.Context, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.balances[userID]
	return ok, nil
}

func (m *MemoryStore) Grant(ctx context.Context, userID, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		bal = emptyBalance(userID)
		m.balances[userID] = bal
	}

	avail, _ := coin.Parse(bal.Available)
	totalIn, _ := coin.Parse(bal.TotalIn)
	add, _ := coin.Parse(amount)

	avail.Add(avail, add)
	totalIn.Add(totalIn, add)

	bal.Available = coin.Format(avail)
	bal.TotalIn = coin.Format(totalIn)
	bal.UpdatedAt = time.Now()

	m.append(userID, EntryGrant, amount, reference, description)
	return nil
}

func (m *MemoryStore) EscrowHold(ctx context.Context, userID, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := coin.Parse(bal.Available)
	escrowed, _ := coin.Parse(bal.Escrowed)
	sub, _ := coin.Parse(amount)

	if avail.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	avail.Sub(avail, sub)
	escrowed.Add(escrowed, sub)

	bal.Available = coin.Format(avail)
	bal.Escrowed = coin.Format(escrowed)
	bal.UpdatedAt = time.Now()

	m.append(userID, EntryEscrowHold, amount, reference, "escrow_hold")
	return nil
}

func (m *MemoryStore) EscrowRelease(ctx context.Context, senderID, recipientID, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	senderBal, ok := m.balances[senderID]
	if !ok {
		return ErrAccountNotFound
	}

	escrowed, _ := coin.Parse(senderBal.Escrowed)
	totalOut, _ := coin.Parse(senderBal.TotalOut)
	sub, _ := coin.Parse(amount)

	if escrowed.Cmp(sub) < 0 {
		return ErrInsufficientBalance
	}

	escrowed.Sub(escrowed, sub)
	totalOut.Add(totalOut, sub)
	senderBal.Escrowed = coin.Format(escrowed)
	senderBal.TotalOut = coin.Format(totalOut)
	senderBal.UpdatedAt = time.Now()

	recipientBal, ok := m.balances[recipientID]
	if !ok {
		recipientBal = emptyBalance(recipientID)
		m.balances[recipientID] = recipientBal
	}

	recAvail, _ := coin.Parse(recipientBal.Available)
	recTotalIn, _ := coin.Parse(recipientBal.TotalIn)
	recAvail.Add(recAvail, sub)
	recTotalIn.Add(recTotalIn, sub)
	recipientBal.Available = coin.Format(recAvail)
	recipientBal.TotalIn = coin.Format(recTotalIn)
	recipientBal.UpdatedAt = time.Now()

	m.append(senderID, EntryEscrowRelease, amount, reference, "escrow_released_to_recipient")
	m.append(recipientID, EntryEscrowReceive, amount, reference, "escrow_payment_received")
	return nil
}

func (m *MemoryStore) EscrowRefund(ctx context.Context, userID, amount, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[userID]
	if !ok {
		return ErrAccountNotFound
	}

	avail, _ := coin.Parse(bal.Available)
	escrowed, _ := coin.Parse(bal.Escrowed)
	add, _ := coin.Parse(amount)

	if escrowed.Cmp(add) < 0 {
		return ErrInsufficientBalance
	}

	escrowed.Sub(escrowed, add)
	avail.Add(avail, add)

	bal.Available = coin.Format(avail)
	bal.Escrowed = coin.Format(escrowed)
	bal.UpdatedAt = time.Now()

	m.append(userID, EntryEscrowRefund, amount, reference, description)
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			result = append(result, m.entries[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) EntriesByReference(ctx context.Context, reference string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.Reference == reference {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *MemoryStore) SumBalances(ctx context.Context) (string, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	availSum := new(big.Int)
	escrowSum := new(big.Int)
	for _, bal := range m.balances {
		avail, _ := coin.Parse(bal.Available)
		escrowed, _ := coin.Parse(bal.Escrowed)
		availSum.Add(availSum, avail)
		escrowSum.Add(escrowSum, escrowed)
	}
	return coin.Format(availSum), coin.Format(escrowSum), nil
}

// append records an entry. Caller must hold m.mu.
func (m *MemoryStore) append(userID, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		UserID:      userID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
