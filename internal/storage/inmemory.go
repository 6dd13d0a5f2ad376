// Package storage provides the persistence backends for the payment gateway:
// an in-memory store for tests and ephemeral gateways, an embedded bbolt
// store, and a PostgreSQL store. All of them satisfy models.Storage.
package storage

import (
	"sync"

	"github.com/busyboredom/acceptxmr/internal/models"
)

// InMemory keeps everything in process memory. Invoices are lost on restart,
// and burning-bug protection resets with them.
type InMemory struct {
	mu         sync.RWMutex
	invoices   map[models.InvoiceID]models.Invoice
	outputKeys map[models.Key]models.OutputID
	height     *uint64
}

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		invoices:   make(map[models.InvoiceID]models.Invoice),
		outputKeys: make(map[models.Key]models.OutputID),
	}
}

func (s *InMemory) InsertInvoice(invoice models.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[invoice.ID()]; exists {
		return models.ErrDuplicateInvoice
	}
	s.invoices[invoice.ID()] = invoice.Clone()
	return nil
}

func (s *InMemory) UpdateInvoice(invoice models.Invoice) (models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.invoices[invoice.ID()]
	if !exists {
		return models.Invoice{}, models.ErrInvoiceNotFound
	}
	s.invoices[invoice.ID()] = invoice.Clone()
	return old, nil
}

func (s *InMemory) RemoveInvoice(id models.InvoiceID) (*models.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.invoices[id]
	if !exists {
		return nil, nil
	}
	delete(s.invoices, id)
	return &old, nil
}

func (s *InMemory) GetInvoice(id models.InvoiceID) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	invoice, exists := s.invoices[id]
	if !exists {
		return nil, nil
	}
	clone := invoice.Clone()
	return &clone, nil
}

func (s *InMemory) InvoiceIDs() ([]models.InvoiceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]models.InvoiceID, 0, len(s.invoices))
	for id := range s.invoices {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *InMemory) ContainsSubIndex(index models.SubIndex) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.invoices {
		if id.SubIndex == index {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemory) ForEachInvoice(f func(models.Invoice) error) error {
	s.mu.RLock()
	invoices := make([]models.Invoice, 0, len(s.invoices))
	for _, invoice := range s.invoices {
		invoices = append(invoices, invoice.Clone())
	}
	s.mu.RUnlock()

	for _, invoice := range invoices {
		if err := f(invoice); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemory) IsEmpty() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices) == 0, nil
}

func (s *InMemory) LowestInvoiceHeight() (*uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var lowest *uint64
	for _, invoice := range s.invoices {
		if lowest == nil || invoice.CurrentHeight < *lowest {
			height := invoice.CurrentHeight
			lowest = &height
		}
	}
	return lowest, nil
}

func (s *InMemory) RecordOutputKey(key models.Key, outputID models.OutputID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outputKeys[key]; exists {
		return models.ErrDuplicateOutputKey
	}
	s.outputKeys[key] = outputID
	return nil
}

func (s *InMemory) LookupOutputKey(key models.Key) (*models.OutputID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	outputID, exists := s.outputKeys[key]
	if !exists {
		return nil, nil
	}
	return &outputID, nil
}

func (s *InMemory) GetHeight() (*uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.height == nil {
		return nil, nil
	}
	height := *s.height
	return &height, nil
}

func (s *InMemory) SetHeight(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = &height
	return nil
}

func (s *InMemory) Flush() error {
	return nil
}

func (s *InMemory) Close() error {
	return nil
}
