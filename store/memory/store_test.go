package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/engage"
	"github.com/xraph/engage/fund"
	"github.com/xraph/engage/id"
	"github.com/xraph/engage/types"
	"github.com/xraph/engage/vote"
)

func TestSetVotePreviousChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	steps := []struct {
		set  vote.Value
		prev vote.Value
	}{
		{vote.Up, vote.None},
		{vote.Up, vote.Up},
		{vote.Down, vote.Up},
		{vote.None, vote.Down},
		{vote.Up, vote.None},
	}

	for i, step := range steps {
		prev, err := s.SetVote(ctx, key, step.set)
		if err != nil {
			t.Fatalf("step %d: SetVote: %v", i, err)
		}
		if prev != step.prev {
			t.Errorf("step %d: previous: got %s, want %s", i, prev, step.prev)
		}
	}
}

func TestSetVoteNoneOnAbsentWritesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	prev, err := s.SetVote(ctx, key, vote.None)
	if err != nil {
		t.Fatalf("SetVote: %v", err)
	}
	if prev != vote.None {
		t.Errorf("previous: got %s, want none", prev)
	}
	if len(s.votes) != 0 {
		t.Errorf("expected no record, found %d", len(s.votes))
	}
}

func TestVotesAtNoneAreHidden(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.SetVote(ctx, types.NewKey("proj", "user", "a"), vote.Up); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetVote(ctx, types.NewKey("proj", "user", "b"), vote.Down); err != nil {
		t.Fatal(err)
	}
	// Retract the vote on a; the row persists at None but must be invisible.
	if _, err := s.SetVote(ctx, types.NewKey("proj", "user", "a"), vote.None); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetVotes(ctx, "proj", "user", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetVotes: %v", err)
	}
	if len(got) != 1 || got[0].Key.TargetID != "b" {
		t.Errorf("GetVotes: got %d records, want only b", len(got))
	}

	listed, err := s.ListVotes(ctx, "proj", "user", vote.ListOpts{})
	if err != nil {
		t.Fatalf("ListVotes: %v", err)
	}
	if len(listed) != 1 || listed[0].Key.TargetID != "b" {
		t.Errorf("ListVotes: got %d records, want only b", len(listed))
	}
}

func TestListVotesRecentFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	// Vote on b, then a: a is more recently modified and must come first.
	if _, err := s.SetVote(ctx, types.NewKey("proj", "user", "b"), vote.Up); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetVote(ctx, types.NewKey("proj", "user", "a"), vote.Up); err != nil {
		t.Fatal(err)
	}

	listed, err := s.ListVotes(ctx, "proj", "user", vote.ListOpts{})
	if err != nil {
		t.Fatalf("ListVotes: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("ListVotes: got %d records, want 2", len(listed))
	}
	if listed[0].Key.TargetID != "a" || listed[1].Key.TargetID != "b" {
		t.Errorf("order: got [%s %s], want [a b]",
			listed[0].Key.TargetID, listed[1].Key.TargetID)
	}

	// Re-voting on b bumps it back to the front.
	if _, err := s.SetVote(ctx, types.NewKey("proj", "user", "b"), vote.Down); err != nil {
		t.Fatal(err)
	}
	listed, err = s.ListVotes(ctx, "proj", "user", vote.ListOpts{})
	if err != nil {
		t.Fatalf("ListVotes: %v", err)
	}
	if listed[0].Key.TargetID != "b" {
		t.Errorf("after re-vote: got %s first, want b", listed[0].Key.TargetID)
	}
}

func TestExpressionLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	prev, err := s.AddExpressions(ctx, key, []string{"🔥", "👍"})
	if err != nil {
		t.Fatalf("AddExpressions: %v", err)
	}
	if len(prev) != 0 {
		t.Errorf("first add previous: got %v, want empty", prev)
	}

	// Exclusive set replaces the whole set.
	prev, err = s.SetExpression(ctx, key, "🎉")
	if err != nil {
		t.Fatalf("SetExpression: %v", err)
	}
	if len(prev) != 2 {
		t.Errorf("set previous: got %v, want 2 members", prev)
	}

	// Remove the only member: the row empties but is hidden, not deleted.
	if _, err := s.RemoveExpressions(ctx, key, []string{"🎉"}); err != nil {
		t.Fatalf("RemoveExpressions: %v", err)
	}

	got, err := s.GetExpressions(ctx, "proj", "user", []string{"post-1"})
	if err != nil {
		t.Fatalf("GetExpressions: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("emptied set visible: got %v", got[0].Expressions)
	}
	if _, ok := s.expressions[key.String()]; !ok {
		t.Error("emptied record was deleted; expected it kept")
	}
}

func TestSetExpressionClearOnAbsentWritesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	prev, err := s.SetExpression(ctx, key, "")
	if err != nil {
		t.Fatalf("SetExpression: %v", err)
	}
	if len(prev) != 0 {
		t.Errorf("previous: got %v, want empty", prev)
	}
	if len(s.expressions) != 0 {
		t.Errorf("expected no record, found %d", len(s.expressions))
	}
}

func newTxn(projectID, userID, targetID string, delta int64) *fund.Transaction {
	return &fund.Transaction{
		ID:        id.NewTransactionID(),
		ProjectID: projectID,
		UserID:    userID,
		TargetID:  targetID,
		Delta:     delta,
	}
}

func TestApplyFundBalanceChain(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	steps := []struct {
		delta    int64
		prev     int64
		after    int64
		rejected bool
	}{
		{4, 0, 4, false},
		{-2, 4, 2, false},
		{-3, 0, 0, true}, // would go negative
		{0, 2, 2, false}, // checkpoint
		{-2, 2, 0, false},
	}

	for i, step := range steps {
		txn := newTxn("proj", "user", "post-1", step.delta)
		prev, err := s.ApplyFund(ctx, key, txn)
		if step.rejected {
			if !errors.Is(err, engage.ErrInsufficientBalance) {
				t.Fatalf("step %d: got %v, want ErrInsufficientBalance", i, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("step %d: ApplyFund: %v", i, err)
		}
		if prev != step.prev {
			t.Errorf("step %d: previous: got %d, want %d", i, prev, step.prev)
		}
		if txn.BalanceAfter != step.after {
			t.Errorf("step %d: balance after: got %d, want %d", i, txn.BalanceAfter, step.after)
		}
	}

	// The rejected delta must not appear in the ledger.
	txns, err := s.ListTransactions(ctx, "proj", "user", fund.TransactionListOpts{})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txns) != 4 {
		t.Errorf("ledger length: got %d, want 4", len(txns))
	}
}

func TestLedgerSumMatchesBalance(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	for _, delta := range []int64{10, -3, 5, -7, 0, 2} {
		if _, err := s.ApplyFund(ctx, key, newTxn("proj", "user", "post-1", delta)); err != nil {
			t.Fatalf("ApplyFund(%d): %v", delta, err)
		}
	}

	txns, err := s.ListTransactions(ctx, "proj", "user", fund.TransactionListOpts{})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}

	funds, err := s.GetFunds(ctx, "proj", "user", []string{"post-1"})
	if err != nil {
		t.Fatalf("GetFunds: %v", err)
	}
	if len(funds) != 1 {
		t.Fatalf("GetFunds: got %d records, want 1", len(funds))
	}
	if sum != funds[0].Balance {
		t.Errorf("ledger sum %d != balance %d", sum, funds[0].Balance)
	}
}

func TestZeroBalanceStaysVisible(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	if _, err := s.ApplyFund(ctx, key, newTxn("proj", "user", "post-1", 3)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyFund(ctx, key, newTxn("proj", "user", "post-1", -3)); err != nil {
		t.Fatal(err)
	}

	funds, err := s.GetFunds(ctx, "proj", "user", []string{"post-1"})
	if err != nil {
		t.Fatalf("GetFunds: %v", err)
	}
	if len(funds) != 1 || funds[0].Balance != 0 {
		t.Errorf("drained fund record: got %v, want one record at 0", funds)
	}
}

func TestListTransactionsNewestFirstWithResume(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	var ids []string
	for i := 0; i < 5; i++ {
		txn := newTxn("proj", "user", "post-1", 1)
		if _, err := s.ApplyFund(ctx, key, txn); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, txn.ID.String())
	}

	page, err := s.ListTransactions(ctx, "proj", "user", fund.TransactionListOpts{Limit: 2})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page length: got %d, want 2", len(page))
	}
	if page[0].ID.String() != ids[4] || page[1].ID.String() != ids[3] {
		t.Errorf("order: got [%s %s], want newest first", page[0].ID, page[1].ID)
	}

	rest, err := s.ListTransactions(ctx, "proj", "user",
		fund.TransactionListOpts{AfterID: page[1].ID})
	if err != nil {
		t.Fatalf("ListTransactions resume: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("resumed page length: got %d, want 3", len(rest))
	}
	if rest[0].ID.String() != ids[2] {
		t.Errorf("resume start: got %s, want %s", rest[0].ID, ids[2])
	}
}

func TestPurgeTransactions(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	expired := newTxn("proj", "user", "post-1", 1)
	past := time.Now().UTC().Add(-time.Hour)
	expired.ExpiresAt = &past
	if _, err := s.ApplyFund(ctx, key, expired); err != nil {
		t.Fatal(err)
	}

	kept := newTxn("proj", "user", "post-1", 1)
	future := time.Now().UTC().Add(time.Hour)
	kept.ExpiresAt = &future
	if _, err := s.ApplyFund(ctx, key, kept); err != nil {
		t.Fatal(err)
	}

	forever := newTxn("proj", "user", "post-1", 1)
	if _, err := s.ApplyFund(ctx, key, forever); err != nil {
		t.Fatal(err)
	}

	purged, err := s.PurgeTransactions(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("PurgeTransactions: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged: got %d, want 1", purged)
	}

	txns, err := s.ListTransactions(ctx, "proj", "user", fund.TransactionListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 2 {
		t.Errorf("remaining: got %d, want 2", len(txns))
	}
}

func TestDeleteTargetKeepsLedger(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, user := range []string{"alice", "bob"} {
		if _, err := s.SetVote(ctx, types.NewKey("proj", user, "post-1"), vote.Up); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AddExpressions(ctx, types.NewKey("proj", user, "post-1"), []string{"🔥"}); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ApplyFund(ctx, types.NewKey("proj", user, "post-1"),
			newTxn("proj", user, "post-1", 5)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.SetVote(ctx, types.NewKey("proj", "alice", "post-2"), vote.Up); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTarget(ctx, "proj", "post-1"); err != nil {
		t.Fatalf("DeleteTarget: %v", err)
	}

	for _, user := range []string{"alice", "bob"} {
		votes, err := s.GetVotes(ctx, "proj", user, []string{"post-1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(votes) != 0 {
			t.Errorf("%s: vote survived target deletion", user)
		}
		funds, err := s.GetFunds(ctx, "proj", user, []string{"post-1"})
		if err != nil {
			t.Fatal(err)
		}
		if len(funds) != 0 {
			t.Errorf("%s: fund record survived target deletion", user)
		}
		txns, err := s.ListTransactions(ctx, "proj", user, fund.TransactionListOpts{})
		if err != nil {
			t.Fatal(err)
		}
		if len(txns) != 1 {
			t.Errorf("%s: ledger history lost on target deletion", user)
		}
	}

	// Other targets are untouched.
	votes, err := s.GetVotes(ctx, "proj", "alice", []string{"post-2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 {
		t.Error("unrelated target affected by deletion")
	}
}

func TestDeleteUserPurgesLedger(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.SetVote(ctx, types.NewKey("proj", "alice", "post-1"), vote.Up); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyFund(ctx, types.NewKey("proj", "alice", "post-1"),
		newTxn("proj", "alice", "post-1", 5)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetVote(ctx, types.NewKey("proj", "bob", "post-1"), vote.Up); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteUser(ctx, "proj", "alice"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	votes, err := s.GetVotes(ctx, "proj", "alice", []string{"post-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 0 {
		t.Error("alice's vote survived user deletion")
	}
	txns, err := s.ListTransactions(ctx, "proj", "alice", fund.TransactionListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 0 {
		t.Error("alice's ledger survived user deletion")
	}

	votes, err = s.GetVotes(ctx, "proj", "bob", []string{"post-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 1 {
		t.Error("bob's vote affected by alice's deletion")
	}
}

func TestConcurrentApplyFundSerializes(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	const n = 64
	prevs := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			prev, err := s.ApplyFund(ctx, key, newTxn("proj", "user", "post-1", 1))
			if err != nil {
				t.Errorf("ApplyFund: %v", err)
				return
			}
			prevs[i] = prev
		}(i)
	}
	wg.Wait()

	// Each caller must have observed a distinct point in the balance chain:
	// the previous balances are exactly 0..n-1, each seen once.
	seen := make(map[int64]bool, n)
	for _, prev := range prevs {
		if seen[prev] {
			t.Errorf("previous balance %d observed by two callers", prev)
		}
		seen[prev] = true
	}
	for want := int64(0); want < n; want++ {
		if !seen[want] {
			t.Errorf("previous balance %d never observed", want)
		}
	}

	funds, err := s.GetFunds(ctx, "proj", "user", []string{"post-1"})
	if err != nil {
		t.Fatalf("GetFunds: %v", err)
	}
	if len(funds) != 1 || funds[0].Balance != n {
		t.Fatalf("final balance: got %v, want %d", funds, n)
	}

	txns, err := s.ListTransactions(ctx, "proj", "user", fund.TransactionListOpts{})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	var sum int64
	for _, txn := range txns {
		sum += txn.Delta
	}
	if sum != n {
		t.Errorf("ledger sum: got %d, want %d", sum, n)
	}
}

func TestConcurrentSetVoteSerializes(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := types.NewKey("proj", "user", "post-1")

	const n = 50
	written := make([]vote.Value, n)
	prevs := make([]vote.Value, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		value := vote.Up
		if i%2 == 1 {
			value = vote.Down
		}
		written[i] = value
		wg.Add(1)
		go func(i int, value vote.Value) {
			defer wg.Done()
			prev, err := s.SetVote(ctx, key, value)
			if err != nil {
				t.Errorf("SetVote: %v", err)
				return
			}
			prevs[i] = prev
		}(i, value)
	}
	wg.Wait()

	got, err := s.GetVotes(ctx, "proj", "user", []string{"post-1"})
	if err != nil {
		t.Fatalf("GetVotes: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("GetVotes: got %d records, want 1", len(got))
	}
	final := got[0].Value

	// In a serialized chain every write's previous value is the value the
	// write before it stored (None for the first). So across all callers the
	// observed previous values are exactly the written values minus the final
	// one, plus a single None: no flip may be lost.
	countWritten := make(map[vote.Value]int)
	for _, v := range written {
		countWritten[v]++
	}
	countPrev := make(map[vote.Value]int)
	for _, v := range prevs {
		countPrev[v]++
	}

	if countPrev[vote.None] != 1 {
		t.Errorf("None observed as previous %d times, want exactly 1", countPrev[vote.None])
	}
	for _, v := range []vote.Value{vote.Up, vote.Down} {
		want := countWritten[v]
		if v == final {
			want--
		}
		if countPrev[v] != want {
			t.Errorf("%s observed as previous %d times, want %d", v, countPrev[v], want)
		}
	}
}

func TestTenantIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.SetVote(ctx, types.NewKey("proj-a", "user", "post-1"), vote.Up); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetVote(ctx, types.NewKey("proj-b", "user", "post-1"), vote.Down); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetVotes(ctx, "proj-a", "user", []string{"post-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != vote.Up {
		t.Errorf("proj-a vote: got %v, want up", got)
	}

	if err := s.DeleteUser(ctx, "proj-a", "user"); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetVotes(ctx, "proj-b", "user", []string{"post-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Error("proj-b vote affected by proj-a deletion")
	}
}
