package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDepositThenWithdrawFromZero(t *testing.T) {
	l := New(time.Second)

	balance, err := l.Deposit("alice", 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), balance)

	balance, err = l.Withdraw(context.Background(), "alice", 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)
	assert.Equal(t, uint64(0), l.Balance("alice"))
}

func TestWithdrawTimesOutWithoutDeposit(t *testing.T) {
	l := New(50 * time.Millisecond)

	start := time.Now()
	_, err := l.Withdraw(context.Background(), "bob", 10)
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, uint64(0), l.Balance("bob"))
	assert.Empty(t, l.History("bob"))
}

func TestWithdrawWaitsForDeposit(t *testing.T) {
	l := New(2 * time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := l.Withdraw(context.Background(), "carol", 30)
		done <- err
	}()

	// A deposit that is still too small must not satisfy the waiter
	time.Sleep(20 * time.Millisecond)
	_, err := l.Deposit("carol", 10)
	require.NoError(t, err)

	select {
	case err := <-done:
		t.Fatalf("withdraw returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = l.Deposit("carol", 25)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("withdraw did not wake up after deposit")
	}
	assert.Equal(t, uint64(5), l.Balance("carol"))
}

func TestWithdrawHonoursContext(t *testing.T) {
	l := New(5 * time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := l.Withdraw(ctx, "dave", 1)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("withdraw ignored cancelled context")
	}
}

func TestBalanceIsIdempotent(t *testing.T) {
	l := New(time.Second)
	_, err := l.Deposit("erin", 7)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Equal(t, uint64(7), l.Balance("erin"))
	}
}

func TestInvalidAmounts(t *testing.T) {
	l := New(time.Second)

	_, err := l.Deposit("frank", 0)
	assert.Equal(t, ErrInvalidAmount, err)

	_, err = l.Withdraw(context.Background(), "frank", 0)
	assert.Equal(t, ErrInvalidAmount, err)
}

func TestDepositOverflow(t *testing.T) {
	l := New(time.Second)
	_, err := l.Deposit("gina", math.MaxUint64)
	require.NoError(t, err)

	_, err = l.Deposit("gina", 1)
	assert.Equal(t, ErrBalanceOverflow, err)
	assert.Equal(t, uint64(math.MaxUint64), l.Balance("gina"))
}

func TestHistoryIsAppendOnly(t *testing.T) {
	l := New(time.Second)
	l.Deposit("hank", 10)
	l.Withdraw(context.Background(), "hank", 4)
	l.Deposit("hank", 1)

	history := l.History("hank")
	require.Len(t, history, 3)
	assert.Equal(t, OpDeposit, history[0].Operation)
	assert.Equal(t, uint64(10), history[0].Balance)
	assert.Equal(t, OpWithdraw, history[1].Operation)
	assert.Equal(t, uint64(6), history[1].Balance)
	assert.Equal(t, uint64(7), history[2].Balance)

	// Mutating the copy must not affect the ledger
	history[0].Amount = 999
	assert.Equal(t, uint64(10), l.History("hank")[0].Amount)
}

func TestConcurrentDepositsAndWithdrawals(t *testing.T) {
	l := New(2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.Deposit("pool", 3)
		}()
		go func() {
			defer wg.Done()
			_, err := l.Withdraw(context.Background(), "pool", 2)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(50), l.Balance("pool"))
}

// TestBalanceMatchesHistory checks that the balance always equals the sum of
// deposits minus successful withdrawals for any sequence of operations
func TestBalanceMatchesHistory(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		l := New(time.Millisecond)
		ops := rapid.SliceOfN(rapid.IntRange(-100, 100), 1, 40).Draw(t, "ops")

		var want uint64
		for _, op := range ops {
			switch {
			case op > 0:
				if _, err := l.Deposit("x", uint64(op)); err != nil {
					t.Fatalf("deposit: %v", err)
				}
				want += uint64(op)
			case op < 0:
				amount := uint64(-op)
				_, err := l.Withdraw(context.Background(), "x", amount)
				if amount <= want {
					if err != nil {
						t.Fatalf("withdraw %d from %d: %v", amount, want, err)
					}
					want -= amount
				} else if !errors.Is(err, ErrInsufficientFunds) {
					t.Fatalf("withdraw %d from %d: got %v", amount, want, err)
				}
			}
		}

		if got := l.Balance("x"); got != want {
			t.Fatalf("balance %d, want %d", got, want)
		}
		history := l.History("x")
		if len(history) > 0 && history[len(history)-1].Balance != want {
			t.Fatalf("last history balance %d, want %d", history[len(history)-1].Balance, want)
		}
	})
}
