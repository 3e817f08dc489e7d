// Package local implements ledger.Client as an append-only, hash-chained log in
// badger. It stands in for a chain in development and tests: every registration
// gets a unique 32-byte transaction hash that commits to the previous one.
//
//	hash(n) = sha256( hash(n-1) || uint64be(n) || domain || 0x00 || cid )
package local

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/sakif/webdeploy/internal/ledger"
)

const network = "local"

var _ ledger.Client = (*Ledger)(nil)

// ErrUnknownDomain is returned by Lookup for a domain that was never registered.
var ErrUnknownDomain = errors.New("ledger: domain not registered")

// Record is one registration in the log.
type Record struct {
	Seq        uint64    `json:"seq"`
	Domain     string    `json:"domain"`
	CID        string    `json:"cid"`
	TxHash     string    `json:"txHash"`
	PrevHash   string    `json:"prevHash"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Ledger is the badger-backed log.
type Ledger struct {
	db     *badger.DB
	logger *slog.Logger

	// mu serialises appends so sequence numbers and the hash chain stay linear.
	mu sync.Mutex
}

// Open opens the log in dir, or in memory if dir is empty.
func Open(dir string, logger *slog.Logger) (*Ledger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: opening badger at %q: %w", dir, err)
	}
	return &Ledger{db: db, logger: logger}, nil
}

// Close closes the log.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// StoreWebpage appends a (domain, cid) record and returns its receipt.
func (l *Ledger) StoreWebpage(ctx context.Context, domain, cid string) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var rec Record
	err := l.db.Update(func(txn *badger.Txn) error {
		head, err := readRecord(txn, []byte("head"))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			head = &Record{TxHash: "0x" + hex.EncodeToString(make([]byte, 32))}
		case err != nil:
			return err
		}

		rec = Record{
			Seq:        head.Seq + 1,
			Domain:     domain,
			CID:        cid,
			PrevHash:   head.TxHash,
			RecordedAt: time.Now().UTC(),
		}
		rec.TxHash = chainHash(rec.PrevHash, rec.Seq, domain, cid)

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		for _, key := range [][]byte{txKey(rec.Seq), []byte("domain/" + domain), []byte("head")} {
			if err := txn.Set(key, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("ledger: appending %s: %w", domain, err)
	}

	l.logger.Debug("ledger record appended",
		slog.Uint64("seq", rec.Seq),
		slog.String("domain", domain),
		slog.String("cid", cid),
		slog.String("tx", rec.TxHash),
	)
	return ledger.Receipt{TxHash: rec.TxHash, Block: rec.Seq, Network: network}, nil
}

// Lookup returns the latest record for domain.
func (l *Ledger) Lookup(_ context.Context, domain string) (*Record, error) {
	var rec *Record
	err := l.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, []byte("domain/"+domain))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: looking up %s: %w", domain, err)
	}
	return rec, nil
}

// Verify walks the whole log and checks every link of the hash chain.
func (l *Ledger) Verify(_ context.Context) error {
	return l.db.View(func(txn *badger.Txn) error {
		prefix := []byte("tx/")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prev := "0x" + hex.EncodeToString(make([]byte, 32))
		var want uint64 = 1
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if rec.Seq != want || rec.PrevHash != prev ||
				rec.TxHash != chainHash(prev, rec.Seq, rec.Domain, rec.CID) {
				return fmt.Errorf("ledger: chain broken at seq %d", want)
			}
			prev = rec.TxHash
			want++
		}
		return nil
	})
}

func readRecord(txn *badger.Txn, key []byte) (*Record, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// txKey sorts numerically because the sequence is big-endian.
func txKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("tx/"), seq)
}

func chainHash(prev string, seq uint64, domain, cid string) string {
	prevBytes, _ := hex.DecodeString(prev[2:])

	h := sha256.New()
	h.Write(prevBytes)
	h.Write(binary.BigEndian.AppendUint64(nil, seq))
	h.Write([]byte(domain))
	h.Write([]byte{0})
	h.Write([]byte(cid))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
