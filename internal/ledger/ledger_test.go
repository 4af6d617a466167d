package ledger_test

import (
	"ConsolLedger/internal/ledger"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func usdc(t *testing.T) ledger.AssetID {
	t.Helper()
	return ledger.MustRegisterAsset("USDC", 6)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeWallet, usdc(t))

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_PositionPath(t *testing.T) {
	btc := ledger.MustRegisterAsset("BTC", 8)
	posID := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	key := ledger.NewPositionAccountKey(posID, btc)

	if got := key.AccountPath(); got != "position:6ba7b810-9dad-11d1-80b4-00c04fd430c8:escrow:BTC" {
		t.Errorf("got %q", got)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey("stable", ledger.SubTypePoolCash, usdc(t))

	path := key.AccountPath()
	if path != "system:stable:pool_cash:USDC" {
		t.Errorf("got %q, want %q", path, "system:stable:pool_cash:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, usdc(t))

	path := key.AccountPath()
	if path != "external:mint:USDC" {
		t.Errorf("got %q, want %q", path, "external:mint:USDC")
	}
	if !key.IsExternal() {
		t.Error("external key should report IsExternal")
	}
}

// ============================================================================
// Test: Asset registry
// ============================================================================

func TestRegisterAsset_Idempotent(t *testing.T) {
	a := ledger.MustRegisterAsset("WETH", 18)
	b, err := ledger.RegisterAsset("WETH", 18)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if a != b {
		t.Errorf("ids differ: %d vs %d", a, b)
	}

	if _, err := ledger.RegisterAsset("WETH", 6); err == nil {
		t.Error("re-registering with different decimals should fail")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: Book
// ============================================================================

func TestBook_InitialBalanceZero(t *testing.T) {
	book := ledger.NewBook()
	key := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, usdc(t))
	if got := book.Balance(key); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestBook_MintAndTransfer(t *testing.T) {
	book := ledger.NewBook()
	asset := usdc(t)
	alice := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	pool := ledger.NewSystemAccountKey("stable", ledger.SubTypePoolCash, asset)

	batch, err := ledger.NewBatchBuilder("fund-1", 1, 0).
		Mint(ledger.SubTypeExternalMint, alice, 1_000, ledger.JournalTypeFunding).
		Transfer(alice, pool, 400, ledger.JournalTypeVaultDeposit).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := book.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := book.Balance(alice); got != 600 {
		t.Errorf("alice: got %d, want 600", got)
	}
	if got := book.Balance(pool); got != 400 {
		t.Errorf("pool: got %d, want 400", got)
	}
	if got := book.Balance(ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, asset)); got != -1_000 {
		t.Errorf("mint source: got %d, want -1000", got)
	}
}

func TestBook_InsufficientBalanceIsAtomic(t *testing.T) {
	book := ledger.NewBook()
	asset := usdc(t)
	alice := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	bob := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)

	seed, _ := ledger.NewBatchBuilder("seed", 1, 0).
		Mint(ledger.SubTypeExternalMint, alice, 100, ledger.JournalTypeFunding).
		Build()
	if err := book.ApplyBatch(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// First leg is fine on its own, second overdraws alice.
	batch, _ := ledger.NewBatchBuilder("overdraw", 2, 0).
		Transfer(alice, bob, 60, ledger.JournalTypeFunding).
		Transfer(alice, bob, 60, ledger.JournalTypeFunding).
		Build()
	err := book.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if got := book.Balance(alice); got != 100 {
		t.Errorf("alice should be untouched: got %d", got)
	}
	if got := book.Balance(bob); got != 0 {
		t.Errorf("bob should be untouched: got %d", got)
	}
}

func TestBook_PassThroughAccount(t *testing.T) {
	book := ledger.NewBook()
	asset := usdc(t)
	a := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	b := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)

	// b starts empty; it receives then forwards within one batch.
	batch, _ := ledger.NewBatchBuilder("relay", 1, 0).
		Mint(ledger.SubTypeExternalMint, a, 50, ledger.JournalTypeFunding).
		Transfer(a, b, 50, ledger.JournalTypeFunding).
		Transfer(b, a, 20, ledger.JournalTypeFunding).
		Build()
	if err := book.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if book.Balance(a) != 20 || book.Balance(b) != 30 {
		t.Errorf("unexpected balances a=%d b=%d", book.Balance(a), book.Balance(b))
	}
}

func TestBook_GlobalBalanceZeroSum(t *testing.T) {
	book := ledger.NewBook()
	validator := ledger.NewInvariantValidator(book)
	asset := usdc(t)

	for i := 0; i < 5; i++ {
		user := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
		batch, _ := ledger.NewBatchBuilder("seed", int64(i), 0).
			Mint(ledger.SubTypeExternalMint, user, int64(1_000*(i+1)), ledger.JournalTypeFunding).
			Build()
		if err := book.ApplyBatch(batch); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	if err := validator.ValidateGlobalBalance(); err != nil {
		t.Errorf("zero-sum violated: %v", err)
	}
}

func TestBook_SnapshotRestore(t *testing.T) {
	book := ledger.NewBook()
	asset := usdc(t)
	user := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	batch, _ := ledger.NewBatchBuilder("seed", 1, 0).
		Mint(ledger.SubTypeExternalMint, user, 77, ledger.JournalTypeFunding).
		Build()
	if err := book.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := book.Snapshot()
	restored := ledger.NewBook()
	restored.Restore(snap)
	if restored.Balance(user) != 77 {
		t.Errorf("restored balance: got %d", restored.Balance(user))
	}
	if len(restored.SortedKeys()) != 2 {
		t.Errorf("expected 2 keys, got %d", len(restored.SortedKeys()))
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	asset := usdc(t)
	key := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID: uuid.New(), BatchID: batchID,
			DebitAccount: key, CreditAccount: key,
			AssetID: asset, Amount: 10,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	asset := usdc(t)
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       uuid.New(),
			DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset),
			CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalMint, asset),
			AssetID:       asset,
			Amount:        10,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch id should fail validation")
	}
}

func TestBatchBuilder_RejectsNegativeLeg(t *testing.T) {
	asset := usdc(t)
	a := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	b := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)

	_, err := ledger.NewBatchBuilder("neg", 1, 0).Transfer(a, b, -1, ledger.JournalTypeFunding).Build()
	if err == nil {
		t.Error("negative leg should fail")
	}
}

func TestBatchBuilder_SkipsZeroLegs(t *testing.T) {
	asset := usdc(t)
	a := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)
	b := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeWallet, asset)

	bb := ledger.NewBatchBuilder("zero", 1, 0).Transfer(a, b, 0, ledger.JournalTypeFunding)
	if bb.Len() != 0 {
		t.Errorf("zero leg should be skipped, got %d legs", bb.Len())
	}
	batch, err := bb.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !batch.IsEmpty() {
		t.Error("batch should be empty")
	}
}
