package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixUser        = []byte("user/")
	prefixEscrow      = []byte("escrow/")
	prefixClientIndex = []byte("idx/client/")
	prefixWorkerIndex = []byte("idx/worker/")
	prefixBalance     = []byte("bal/")
	keyCustody        = []byte("meta/custody")
	keyNextID         = []byte("meta/next")
)

// LevelStore persists the ledger in an embedded LevelDB database.
type LevelStore struct {
	levelReader
	db *leveldb.DB
}

// OpenLevelStore opens or creates a LevelDB ledger at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open leveldb %s: %w", path, err)
	}
	return &LevelStore{levelReader: levelReader{kv: db}, db: db}, nil
}

// NewMemLevelStore opens a LevelDB ledger on volatile storage.
func NewMemLevelStore() (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open leveldb memory storage: %w", err)
	}
	return &LevelStore{levelReader: levelReader{kv: db}, db: db}, nil
}

func (s *LevelStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tr, err := s.db.OpenTransaction()
	if err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("ledger: open transaction: %w", err)
	}
	defer tr.Discard()

	if err := fn(&levelTx{levelReader: levelReader{kv: tr}, tr: tr}); err != nil {
		return err
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("ledger: commit transaction: %w", err)
	}
	return nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

type kvReader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
}

type levelReader struct {
	kv kvReader
}

// levelEscrow is the on-disk encoding of an Escrow.
type levelEscrow struct {
	ID                  uint64           `json:"id"`
	Client              common.Address   `json:"client"`
	Worker              common.Address   `json:"worker"`
	Amount              string           `json:"amount"`
	Agreement           string           `json:"agreement"`
	Submission          string           `json:"submission"`
	IsDisputed          bool             `json:"isDisputed"`
	ClientDecisionGiven bool             `json:"clientDecisionGiven"`
	IsSettled           bool             `json:"isSettled"`
	VotesYes            []common.Address `json:"votesYes"`
	VotesNo             []common.Address `json:"votesNo"`
	PaidTo              common.Address   `json:"paidTo"`
	CreatedAt           time.Time        `json:"createdAt"`
	SettledAt           *time.Time       `json:"settledAt,omitempty"`
}

func encodeEscrow(rec *Escrow) ([]byte, error) {
	return json.Marshal(levelEscrow{
		ID:                  rec.ID,
		Client:              rec.Client,
		Worker:              rec.Worker,
		Amount:              cloneAmount(rec.Amount).Dec(),
		Agreement:           rec.Agreement,
		Submission:          rec.Submission,
		IsDisputed:          rec.IsDisputed,
		ClientDecisionGiven: rec.ClientDecisionGiven,
		IsSettled:           rec.IsSettled,
		VotesYes:            rec.VotesYes,
		VotesNo:             rec.VotesNo,
		PaidTo:              rec.PaidTo,
		CreatedAt:           rec.CreatedAt,
		SettledAt:           rec.SettledAt,
	})
}

func decodeEscrow(raw []byte) (*Escrow, error) {
	var le levelEscrow
	if err := json.Unmarshal(raw, &le); err != nil {
		return nil, fmt.Errorf("ledger: decode escrow: %w", err)
	}
	amount, err := parseAmount(le.Amount)
	if err != nil {
		return nil, err
	}
	return &Escrow{
		ID:                  le.ID,
		Client:              le.Client,
		Worker:              le.Worker,
		Amount:              amount,
		Agreement:           le.Agreement,
		Submission:          le.Submission,
		IsDisputed:          le.IsDisputed,
		ClientDecisionGiven: le.ClientDecisionGiven,
		IsSettled:           le.IsSettled,
		VotesYes:            le.VotesYes,
		VotesNo:             le.VotesNo,
		PaidTo:              le.PaidTo,
		CreatedAt:           le.CreatedAt,
		SettledAt:           le.SettledAt,
	}, nil
}

func idBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func key(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func indexPrefix(role Role) ([]byte, error) {
	switch role {
	case RoleClient:
		return prefixClientIndex, nil
	case RoleWorker:
		return prefixWorkerIndex, nil
	default:
		return nil, ErrInvariantViolation
	}
}

func (r levelReader) get(k []byte) ([]byte, bool, error) {
	v, err := r.kv.Get(k, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, false, nil
		}
		if errors.Is(err, leveldb.ErrClosed) {
			return nil, false, ErrClosed
		}
		return nil, false, fmt.Errorf("ledger: leveldb get: %w", err)
	}
	return v, true, nil
}

func (r levelReader) getAmount(k []byte) (*uint256.Int, error) {
	v, ok, err := r.get(k)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return parseAmount(string(v))
}

func (r levelReader) GetUser(_ context.Context, addr common.Address) (UserType, error) {
	v, ok, err := r.get(key(prefixUser, addr.Bytes()))
	if err != nil || !ok || len(v) != 1 {
		return UserNone, err
	}
	return UserType(v[0]), nil
}

func (r levelReader) GetEscrow(_ context.Context, id uint64) (*Escrow, error) {
	v, ok, err := r.get(key(prefixEscrow, idBytes(id)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return decodeEscrow(v)
}

func (r levelReader) scanIDs(prefix []byte) ([]uint64, error) {
	it := r.kv.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	ids := make([]uint64, 0, 8)
	for it.Next() {
		k := it.Key()
		if len(k) < 8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(k[len(k)-8:]))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("ledger: leveldb iterate: %w", err)
	}
	return ids, nil
}

func (r levelReader) EscrowIDs(context.Context) ([]uint64, error) {
	return r.scanIDs(prefixEscrow)
}

func (r levelReader) EscrowIDsFor(_ context.Context, addr common.Address, role Role) ([]uint64, error) {
	prefix, err := indexPrefix(role)
	if err != nil {
		return nil, err
	}
	return r.scanIDs(key(prefix, addr.Bytes()))
}

func (r levelReader) IsParticipant(ctx context.Context, addr common.Address, role Role) (bool, error) {
	prefix, err := indexPrefix(role)
	if err != nil {
		return false, err
	}
	it := r.kv.NewIterator(util.BytesPrefix(key(prefix, addr.Bytes())), nil)
	defer it.Release()
	found := it.Next()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("ledger: leveldb iterate: %w", err)
	}
	return found, nil
}

func (r levelReader) Balance(_ context.Context, addr common.Address) (*uint256.Int, error) {
	return r.getAmount(key(prefixBalance, addr.Bytes()))
}

func (r levelReader) Custody(context.Context) (*uint256.Int, error) {
	return r.getAmount(keyCustody)
}

type levelTx struct {
	levelReader
	tr *leveldb.Transaction
}

func (t *levelTx) put(k, v []byte) error {
	if err := t.tr.Put(k, v, nil); err != nil {
		return fmt.Errorf("ledger: leveldb put: %w", err)
	}
	return nil
}

func (t *levelTx) PutUser(ctx context.Context, addr common.Address, ut UserType) error {
	current, err := t.GetUser(ctx, addr)
	if err != nil {
		return err
	}
	if err := checkUserWrite(current, ut); err != nil {
		return err
	}
	return t.put(key(prefixUser, addr.Bytes()), []byte{byte(ut)})
}

func (t *levelTx) PutEscrow(_ context.Context, rec *Escrow) (uint64, error) {
	if err := checkNewEscrow(rec); err != nil {
		return 0, err
	}
	var next uint64
	v, ok, err := t.get(keyNextID)
	if err != nil {
		return 0, err
	}
	if ok && len(v) == 8 {
		next = binary.BigEndian.Uint64(v)
	}

	stored := rec.Clone()
	stored.ID = next
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	raw, err := encodeEscrow(stored)
	if err != nil {
		return 0, fmt.Errorf("ledger: encode escrow: %w", err)
	}
	id := idBytes(next)
	if err := t.put(key(prefixEscrow, id), raw); err != nil {
		return 0, err
	}
	if err := t.put(key(prefixClientIndex, stored.Client.Bytes(), id), nil); err != nil {
		return 0, err
	}
	if err := t.put(key(prefixWorkerIndex, stored.Worker.Bytes(), id), nil); err != nil {
		return 0, err
	}
	if err := t.put(keyNextID, idBytes(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *levelTx) UpdateEscrow(ctx context.Context, rec *Escrow) error {
	if rec == nil {
		return ErrInvariantViolation
	}
	prev, err := t.GetEscrow(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := checkEscrowUpdate(prev, rec); err != nil {
		return err
	}
	raw, err := encodeEscrow(rec)
	if err != nil {
		return fmt.Errorf("ledger: encode escrow: %w", err)
	}
	return t.put(key(prefixEscrow, idBytes(rec.ID)), raw)
}

func (t *levelTx) Credit(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	bal, err := t.Balance(ctx, addr)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, cloneAmount(amount))
	if overflow {
		return ErrInvariantViolation
	}
	return t.put(key(prefixBalance, addr.Bytes()), []byte(sum.Dec()))
}

func (t *levelTx) LockCustody(ctx context.Context, amount *uint256.Int) error {
	held, err := t.Custody(ctx)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(held, cloneAmount(amount))
	if overflow {
		return ErrInvariantViolation
	}
	return t.put(keyCustody, []byte(sum.Dec()))
}

func (t *levelTx) ReleaseCustody(ctx context.Context, amount *uint256.Int) error {
	held, err := t.Custody(ctx)
	if err != nil {
		return err
	}
	amt := cloneAmount(amount)
	if held.Lt(amt) {
		return ErrInsufficientCustody
	}
	return t.put(keyCustody, []byte(new(uint256.Int).Sub(held, amt).Dec()))
}
