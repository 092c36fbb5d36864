// Package ledger keeps a per-identity balance with an append-only history.
//
// Every account has its own lock. Deposits wake any withdrawal that is waiting
// for funds; a withdrawal that cannot be covered before its deadline fails
// with ErrInsufficientFunds.
package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// DefaultWithdrawTimeout is how long Withdraw waits for funds when the
// Ledger was built without an explicit timeout.
const DefaultWithdrawTimeout = 10 * time.Second

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrBalanceOverflow   = errors.New("balance would overflow")
)

// Operation names recorded in history entries
const (
	OpDeposit  = "deposit"
	OpWithdraw = "withdraw"
)

// Entry is one line of an account's history
type Entry struct {
	Time      time.Time
	Operation string
	Amount    uint64
	Balance   uint64
}

type account struct {
	mu      sync.Mutex
	balance uint64
	history []Entry
	// funds is closed and replaced on every deposit so waiters re-check
	funds chan struct{}
}

// Ledger holds every account. The map lock is only taken to find or create
// an account; balance changes happen under the account's own lock.
type Ledger struct {
	mu              sync.Mutex
	accounts        map[string]*account
	withdrawTimeout time.Duration
	now             func() time.Time
}

// New creates an empty ledger. A non-positive timeout selects DefaultWithdrawTimeout.
func New(withdrawTimeout time.Duration) *Ledger {
	if withdrawTimeout <= 0 {
		withdrawTimeout = DefaultWithdrawTimeout
	}
	return &Ledger{
		accounts:        make(map[string]*account),
		withdrawTimeout: withdrawTimeout,
		now:             time.Now,
	}
}

// account returns the account for identity, creating it on first access
func (l *Ledger) account(identity string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[identity]
	if !ok {
		acct = &account{funds: make(chan struct{})}
		l.accounts[identity] = acct
	}
	return acct
}

// Deposit adds amount to identity's balance and returns the new balance
func (l *Ledger) Deposit(identity string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	acct := l.account(identity)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if acct.balance > math.MaxUint64-amount {
		return acct.balance, ErrBalanceOverflow
	}

	acct.balance += amount
	acct.history = append(acct.history, Entry{
		Time:      l.now(),
		Operation: OpDeposit,
		Amount:    amount,
		Balance:   acct.balance,
	})

	close(acct.funds)
	acct.funds = make(chan struct{})

	return acct.balance, nil
}

// Withdraw removes amount from identity's balance. If the balance is too low
// it waits for deposits until the ledger's withdraw timeout elapses or ctx is
// done, re-checking after every deposit.
func (l *Ledger) Withdraw(ctx context.Context, identity string, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	acct := l.account(identity)
	timer := time.NewTimer(l.withdrawTimeout)
	defer timer.Stop()

	for {
		acct.mu.Lock()
		if acct.balance >= amount {
			acct.balance -= amount
			acct.history = append(acct.history, Entry{
				Time:      l.now(),
				Operation: OpWithdraw,
				Amount:    amount,
				Balance:   acct.balance,
			})
			balance := acct.balance
			acct.mu.Unlock()
			return balance, nil
		}
		funds := acct.funds
		balance := acct.balance
		acct.mu.Unlock()

		select {
		case <-funds:
		case <-timer.C:
			return balance, ErrInsufficientFunds
		case <-ctx.Done():
			return balance, ctx.Err()
		}
	}
}

// Balance returns identity's current balance
func (l *Ledger) Balance(identity string) uint64 {
	acct := l.account(identity)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance
}

// History returns a copy of identity's history, oldest first
func (l *Ledger) History(identity string) []Entry {
	acct := l.account(identity)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	out := make([]Entry, len(acct.history))
	copy(out, acct.history)
	return out
}
