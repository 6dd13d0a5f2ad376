package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

var (
	invoicesBucket   = []byte("invoices")
	outputKeysBucket = []byte("output_keys")
	metadataBucket   = []byte("metadata")
	heightKey        = []byte("last_scanned_height")
)

// Bolt is an embedded key-value store backed by a single bbolt file. Writes
// are buffered in memory and committed in one transaction by Flush, so a
// crash mid-tick loses at most the in-progress tick.
type Bolt struct {
	logger *logger.Logger
	db     *bolt.DB

	mu sync.RWMutex
	// pendingInvoices maps to nil for buffered removals.
	pendingInvoices   map[models.InvoiceID]*models.Invoice
	pendingOutputKeys map[models.Key]models.OutputID
	pendingHeight     *uint64
}

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string, log *logger.Logger) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{invoicesBucket, outputKeysBucket, metadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{
		logger:            log,
		db:                db,
		pendingInvoices:   make(map[models.InvoiceID]*models.Invoice),
		pendingOutputKeys: make(map[models.Key]models.OutputID),
	}, nil
}

func invoiceKey(id models.InvoiceID) []byte {
	return []byte(id.String())
}

func (s *Bolt) InsertInvoice(invoice models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.getLocked(invoice.ID())
	if err != nil {
		return err
	}
	if existing != nil {
		return models.ErrDuplicateInvoice
	}
	clone := invoice.Clone()
	s.pendingInvoices[invoice.ID()] = &clone
	return nil
}

func (s *Bolt) UpdateInvoice(invoice models.Invoice) (models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.getLocked(invoice.ID())
	if err != nil {
		return models.Invoice{}, err
	}
	if old == nil {
		return models.Invoice{}, models.ErrInvoiceNotFound
	}
	clone := invoice.Clone()
	s.pendingInvoices[invoice.ID()] = &clone
	return *old, nil
}

func (s *Bolt) RemoveInvoice(id models.InvoiceID) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, nil
	}
	s.pendingInvoices[id] = nil
	return old, nil
}

func (s *Bolt) GetInvoice(id models.InvoiceID) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Bolt) getLocked(id models.InvoiceID) (*models.Invoice, error) {
	if pending, buffered := s.pendingInvoices[id]; buffered {
		if pending == nil {
			return nil, nil
		}
		clone := pending.Clone()
		return &clone, nil
	}
	var invoice *models.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(invoicesBucket).Get(invoiceKey(id))
		if raw == nil {
			return nil
		}
		var decoded models.Invoice
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("failed to decode stored invoice %s: %w", id, err)
		}
		invoice = &decoded
		return nil
	})
	return invoice, err
}

func (s *Bolt) InvoiceIDs() ([]models.InvoiceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[models.InvoiceID]bool)
	var ids []models.InvoiceID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(invoicesBucket).ForEach(func(k, _ []byte) error {
			id, err := models.ParseInvoiceID(string(k))
			if err != nil {
				return fmt.Errorf("stored invoice has malformed key %q: %w", k, err)
			}
			seen[id] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for id, pending := range s.pendingInvoices {
		seen[id] = pending != nil
	}
	for id, present := range seen {
		if present {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Bolt) ContainsSubIndex(index models.SubIndex) (bool, error) {
	ids, err := s.InvoiceIDs()
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		if id.SubIndex == index {
			return true, nil
		}
	}
	return false, nil
}

func (s *Bolt) ForEachInvoice(f func(models.Invoice) error) error {
	s.mu.RLock()
	var invoices []models.Invoice
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(invoicesBucket).ForEach(func(k, v []byte) error {
			id, err := models.ParseInvoiceID(string(k))
			if err != nil {
				return fmt.Errorf("stored invoice has malformed key %q: %w", k, err)
			}
			if _, buffered := s.pendingInvoices[id]; buffered {
				return nil
			}
			var invoice models.Invoice
			if err := json.Unmarshal(v, &invoice); err != nil {
				return fmt.Errorf("failed to decode stored invoice %s: %w", id, err)
			}
			invoices = append(invoices, invoice)
			return nil
		})
	})
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	for _, pending := range s.pendingInvoices {
		if pending != nil {
			invoices = append(invoices, pending.Clone())
		}
	}
	s.mu.RUnlock()

	for _, invoice := range invoices {
		if err := f(invoice); err != nil {
			return err
		}
	}
	return nil
}

func (s *Bolt) IsEmpty() (bool, error) {
	ids, err := s.InvoiceIDs()
	if err != nil {
		return false, err
	}
	return len(ids) == 0, nil
}

func (s *Bolt) LowestInvoiceHeight() (*uint64, error) {
	var lowest *uint64
	err := s.ForEachInvoice(func(invoice models.Invoice) error {
		if lowest == nil || invoice.CurrentHeight < *lowest {
			height := invoice.CurrentHeight
			lowest = &height
		}
		return nil
	})
	return lowest, err
}

func (s *Bolt) RecordOutputKey(key models.Key, outputID models.OutputID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.lookupLocked(key)
	if err != nil {
		return err
	}
	if existing != nil {
		return models.ErrDuplicateOutputKey
	}
	s.pendingOutputKeys[key] = outputID
	return nil
}

func (s *Bolt) LookupOutputKey(key models.Key) (*models.OutputID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(key)
}

func (s *Bolt) lookupLocked(key models.Key) (*models.OutputID, error) {
	if pending, buffered := s.pendingOutputKeys[key]; buffered {
		outputID := pending
		return &outputID, nil
	}
	var outputID *models.OutputID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(outputKeysBucket).Get(key[:])
		if raw == nil {
			return nil
		}
		if len(raw) != 33 {
			return fmt.Errorf("stored output key record has length %d", len(raw))
		}
		var decoded models.OutputID
		copy(decoded.TxHash[:], raw[:32])
		decoded.Index = raw[32]
		outputID = &decoded
		return nil
	})
	return outputID, err
}

func (s *Bolt) GetHeight() (*uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pendingHeight != nil {
		height := *s.pendingHeight
		return &height, nil
	}
	var height *uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metadataBucket).Get(heightKey)
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("stored height has length %d", len(raw))
		}
		value := binary.BigEndian.Uint64(raw)
		height = &value
		return nil
	})
	return height, err
}

func (s *Bolt) SetHeight(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingHeight = &height
	return nil
}

// Flush commits all buffered writes in a single transaction.
func (s *Bolt) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingInvoices) == 0 && len(s.pendingOutputKeys) == 0 && s.pendingHeight == nil {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		invoices := tx.Bucket(invoicesBucket)
		for id, invoice := range s.pendingInvoices {
			if invoice == nil {
				if err := invoices.Delete(invoiceKey(id)); err != nil {
					return fmt.Errorf("failed to delete invoice %s: %w", id, err)
				}
				continue
			}
			raw, err := json.Marshal(invoice)
			if err != nil {
				return fmt.Errorf("failed to encode invoice %s: %w", id, err)
			}
			if err := invoices.Put(invoiceKey(id), raw); err != nil {
				return fmt.Errorf("failed to store invoice %s: %w", id, err)
			}
		}

		outputKeys := tx.Bucket(outputKeysBucket)
		for key, outputID := range s.pendingOutputKeys {
			record := make([]byte, 33)
			copy(record[:32], outputID.TxHash[:])
			record[32] = outputID.Index
			keyBytes := key
			if err := outputKeys.Put(keyBytes[:], record); err != nil {
				return fmt.Errorf("failed to store output key: %w", err)
			}
		}

		if s.pendingHeight != nil {
			raw := make([]byte, 8)
			binary.BigEndian.PutUint64(raw, *s.pendingHeight)
			if err := tx.Bucket(metadataBucket).Put(heightKey, raw); err != nil {
				return fmt.Errorf("failed to store scanner height: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.pendingInvoices = make(map[models.InvoiceID]*models.Invoice)
	s.pendingOutputKeys = make(map[models.Key]models.OutputID)
	s.pendingHeight = nil
	return nil
}

func (s *Bolt) Close() error {
	if err := s.Flush(); err != nil {
		s.logger.Error("Failed to flush pending writes on close ", "error ", err)
	}
	return s.db.Close()
}
