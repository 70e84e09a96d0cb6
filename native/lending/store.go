package lending

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"

	"crosslend/crypto"
)

var (
	bucketMarkets    = []byte("markets")
	bucketPositions  = []byte("positions")
	bucketRedemption = []byte("redemption")
	bucketMeta       = []byte("meta")

	keyMarketOrder = []byte("marketOrder")
)

// BoltStore persists the ledger in a BoltDB file. It satisfies the engine's
// state interface; market listing preserves insertion order.
type BoltStore struct {
	db *bolt.DB
}

type storedMarket struct {
	ID                  string
	GroupID             string
	Class               uint8
	Decimals            uint8
	CashWei             *big.Int
	TotalBorrows        *big.Int
	TotalReserves       *big.Int
	TotalSupply         *big.Int
	BorrowIndex         *big.Int
	ReserveFactor       *big.Int
	DiscountRate        *big.Int
	InitialExchangeRate *big.Int
	LastAccrualTime     uint64
	SupplyCap           *big.Int
	BorrowCap           *big.Int
	Deprecated          bool
	HoldingWei          *big.Int
}

type storedPosition struct {
	Address       []byte
	MarketID      string
	SupplyShares  *big.Int
	Principal     *big.Int
	InterestIndex *big.Int
}

type storedRedemption struct {
	BaseRate  *big.Int
	LastFeeOp uint64
}

// NewBoltStore opens (and migrates) the BoltDB-backed store.
func NewBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMarkets, bucketPositions, bucketRedemption, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ListMarkets returns every market identifier in insertion order.
func (s *BoltStore) ListMarkets() ([]string, error) {
	var order []string
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyMarketOrder)
		if raw == nil {
			return nil
		}
		return rlp.DecodeBytes(raw, &order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetMarket fetches a market by identifier, or nil when absent.
func (s *BoltStore) GetMarket(id string) (*Market, error) {
	var market *Market
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMarkets).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var stored storedMarket
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return fmt.Errorf("decode market %s: %w", id, err)
		}
		market = stored.toMarket()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return market, nil
}

// PutMarket writes a market, appending new identifiers to the listing order.
func (s *BoltStore) PutMarket(id string, market *Market) error {
	if market == nil {
		return fmt.Errorf("store: nil market %s", id)
	}
	market.EnsureDefaults()
	payload, err := rlp.EncodeToBytes(newStoredMarket(market))
	if err != nil {
		return fmt.Errorf("encode market %s: %w", id, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		markets := tx.Bucket(bucketMarkets)
		key := []byte(id)
		if markets.Get(key) == nil {
			meta := tx.Bucket(bucketMeta)
			var order []string
			if raw := meta.Get(keyMarketOrder); raw != nil {
				if err := rlp.DecodeBytes(raw, &order); err != nil {
					return err
				}
			}
			order = append(order, id)
			encoded, err := rlp.EncodeToBytes(order)
			if err != nil {
				return err
			}
			if err := meta.Put(keyMarketOrder, encoded); err != nil {
				return err
			}
		}
		return markets.Put(key, payload)
	})
}

// GetPosition fetches the account's position in the market, or nil when the
// account has never touched it.
func (s *BoltStore) GetPosition(marketID string, addr crypto.Address) (*AccountPosition, error) {
	var position *AccountPosition
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPositions).Get(positionKey(marketID, addr))
		if raw == nil {
			return nil
		}
		var stored storedPosition
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return fmt.Errorf("decode position %s: %w", marketID, err)
		}
		decoded, err := stored.toPosition()
		if err != nil {
			return err
		}
		position = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

// PutPosition writes the position. Emptied positions are deleted so market
// sweeps stay cheap.
func (s *BoltStore) PutPosition(position *AccountPosition) error {
	if position == nil {
		return fmt.Errorf("store: nil position")
	}
	position.EnsureDefaults()
	key := positionKey(position.MarketID, position.Address)
	if position.IsEmpty() {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketPositions).Delete(key)
		})
	}
	payload, err := rlp.EncodeToBytes(newStoredPosition(position))
	if err != nil {
		return fmt.Errorf("encode position %s: %w", position.MarketID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPositions).Put(key, payload)
	})
}

// GetRedemptionState fetches the market's fee-controller state, or nil.
func (s *BoltStore) GetRedemptionState(marketID string) (*RedemptionState, error) {
	var state *RedemptionState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRedemption).Get([]byte(marketID))
		if raw == nil {
			return nil
		}
		var stored storedRedemption
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return fmt.Errorf("decode redemption state %s: %w", marketID, err)
		}
		state = &RedemptionState{BaseRate: stored.BaseRate, LastFeeOp: stored.LastFeeOp}
		state.EnsureDefaults()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// PutRedemptionState writes the market's fee-controller state.
func (s *BoltStore) PutRedemptionState(marketID string, state *RedemptionState) error {
	if state == nil {
		return fmt.Errorf("store: nil redemption state %s", marketID)
	}
	state.EnsureDefaults()
	payload, err := rlp.EncodeToBytes(storedRedemption{BaseRate: state.BaseRate, LastFeeOp: state.LastFeeOp})
	if err != nil {
		return fmt.Errorf("encode redemption state %s: %w", marketID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRedemption).Put([]byte(marketID), payload)
	})
}

func positionKey(marketID string, addr crypto.Address) []byte {
	key := make([]byte, 0, len(marketID)+1+20)
	key = append(key, marketID...)
	key = append(key, 0x00)
	return append(key, addr.Bytes()...)
}

func newStoredMarket(m *Market) storedMarket {
	return storedMarket{
		ID:                  m.ID,
		GroupID:             m.GroupID,
		Class:               uint8(m.Class),
		Decimals:            m.Decimals,
		CashWei:             m.CashWei,
		TotalBorrows:        m.TotalBorrows,
		TotalReserves:       m.TotalReserves,
		TotalSupply:         m.TotalSupply,
		BorrowIndex:         m.BorrowIndex,
		ReserveFactor:       m.ReserveFactor,
		DiscountRate:        m.DiscountRate,
		InitialExchangeRate: m.InitialExchangeRate,
		LastAccrualTime:     m.LastAccrualTime,
		SupplyCap:           m.SupplyCap,
		BorrowCap:           m.BorrowCap,
		Deprecated:          m.Deprecated,
		HoldingWei:          m.HoldingWei,
	}
}

func (s storedMarket) toMarket() *Market {
	market := &Market{
		ID:                  s.ID,
		GroupID:             s.GroupID,
		Class:               MarketClass(s.Class),
		Decimals:            s.Decimals,
		CashWei:             s.CashWei,
		TotalBorrows:        s.TotalBorrows,
		TotalReserves:       s.TotalReserves,
		TotalSupply:         s.TotalSupply,
		BorrowIndex:         s.BorrowIndex,
		ReserveFactor:       s.ReserveFactor,
		DiscountRate:        s.DiscountRate,
		InitialExchangeRate: s.InitialExchangeRate,
		LastAccrualTime:     s.LastAccrualTime,
		SupplyCap:           s.SupplyCap,
		BorrowCap:           s.BorrowCap,
		Deprecated:          s.Deprecated,
		HoldingWei:          s.HoldingWei,
	}
	market.EnsureDefaults()
	return market
}

func newStoredPosition(p *AccountPosition) storedPosition {
	return storedPosition{
		Address:       p.Address.Bytes(),
		MarketID:      p.MarketID,
		SupplyShares:  p.SupplyShares,
		Principal:     p.Borrow.Principal,
		InterestIndex: p.Borrow.InterestIndex,
	}
}

func (s storedPosition) toPosition() (*AccountPosition, error) {
	if len(s.Address) != 20 {
		return nil, fmt.Errorf("store: position record has malformed address (%d bytes)", len(s.Address))
	}
	position := &AccountPosition{
		Address:      crypto.NewAddress(crypto.LendPrefix, s.Address),
		MarketID:     s.MarketID,
		SupplyShares: s.SupplyShares,
		Borrow: BorrowSnapshot{
			Principal:     s.Principal,
			InterestIndex: s.InterestIndex,
		},
	}
	position.EnsureDefaults()
	return position, nil
}

// MemoryStore is an in-memory state backend. It backs tests and lightweight
// embedders that do not need durability.
type MemoryStore struct {
	mu         sync.RWMutex
	order      []string
	markets    map[string]*Market
	positions  map[string]*AccountPosition
	redemption map[string]*RedemptionState
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:    make(map[string]*Market),
		positions:  make(map[string]*AccountPosition),
		redemption: make(map[string]*RedemptionState),
	}
}

// ListMarkets returns market identifiers in insertion order.
func (s *MemoryStore) ListMarkets() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

// GetMarket fetches a deep copy of the market, or nil.
func (s *MemoryStore) GetMarket(id string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets[id].Clone(), nil
}

// PutMarket stores a deep copy of the market.
func (s *MemoryStore) PutMarket(id string, market *Market) error {
	if market == nil {
		return fmt.Errorf("store: nil market %s", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[id]; !ok {
		s.order = append(s.order, id)
	}
	s.markets[id] = market.Clone()
	return nil
}

// GetPosition fetches a deep copy of the position, or nil.
func (s *MemoryStore) GetPosition(marketID string, addr crypto.Address) (*AccountPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[string(positionKey(marketID, addr))].Clone(), nil
}

// PutPosition stores a deep copy of the position, dropping it when emptied.
func (s *MemoryStore) PutPosition(position *AccountPosition) error {
	if position == nil {
		return fmt.Errorf("store: nil position")
	}
	key := string(positionKey(position.MarketID, position.Address))
	s.mu.Lock()
	defer s.mu.Unlock()
	if position.IsEmpty() {
		delete(s.positions, key)
		return nil
	}
	s.positions[key] = position.Clone()
	return nil
}

// GetRedemptionState fetches a deep copy of the fee-controller state, or nil.
func (s *MemoryStore) GetRedemptionState(marketID string) (*RedemptionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.redemption[marketID].Clone(), nil
}

// PutRedemptionState stores a deep copy of the fee-controller state.
func (s *MemoryStore) PutRedemptionState(marketID string, state *RedemptionState) error {
	if state == nil {
		return fmt.Errorf("store: nil redemption state %s", marketID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redemption[marketID] = state.Clone()
	return nil
}
