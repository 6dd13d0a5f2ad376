package models

import "errors"

var (
	// ErrInvoiceNotFound is returned when an operation references an invoice
	// that is not being tracked.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDuplicateInvoice is returned when inserting an invoice whose ID
	// already exists.
	ErrDuplicateInvoice = errors.New("invoice already exists")
	// ErrDuplicateOutputKey is returned when recording a one-time output key
	// that has already been recorded.
	ErrDuplicateOutputKey = errors.New("output key already exists")
)

// OutputID identifies the output that first used a one-time output key: the
// transaction it appeared in and its index within that transaction. A later
// sighting of the same key is benign only if it carries the same OutputID;
// anything else is an instance of the burning bug.
type OutputID struct {
	TxHash Hash
	Index  uint8
}

// Storage is the persistence contract for the payment gateway. Three logical
// keyspaces are maintained: tracked invoices, one-time output keys, and the
// scanner checkpoint height.
//
// Every operation is atomic. The scanner batches one tick's writes and calls
// Flush exactly once per tick; a crash before Flush loses at most the
// in-progress tick. Implementations must be safe for concurrent use, though
// the scanner is the only writer of invoice state.
type Storage interface {
	// InsertInvoice starts tracking an invoice. Returns ErrDuplicateInvoice
	// if an invoice with the same ID already exists.
	InsertInvoice(invoice Invoice) error
	// UpdateInvoice replaces an existing invoice, returning the old value.
	// Returns ErrInvoiceNotFound if the invoice does not exist.
	UpdateInvoice(invoice Invoice) (Invoice, error)
	// RemoveInvoice stops tracking an invoice, returning the old value if it
	// existed.
	RemoveInvoice(id InvoiceID) (*Invoice, error)
	// GetInvoice returns the invoice with the given ID, or nil if it does
	// not exist.
	GetInvoice(id InvoiceID) (*Invoice, error)
	// InvoiceIDs returns the IDs of all tracked invoices.
	InvoiceIDs() ([]InvoiceID, error)
	// ContainsSubIndex reports whether any tracked invoice uses the given
	// subaddress index.
	ContainsSubIndex(index SubIndex) (bool, error)
	// ForEachInvoice calls f for every tracked invoice. Iteration stops on
	// the first error.
	ForEachInvoice(f func(Invoice) error) error
	// IsEmpty reports whether no invoices are tracked.
	IsEmpty() (bool, error)
	// LowestInvoiceHeight returns the lowest current height among tracked
	// invoices, or nil if there are none.
	LowestInvoiceHeight() (*uint64, error)

	// RecordOutputKey remembers a one-time output key and the output that
	// used it. Returns ErrDuplicateOutputKey if the key is already recorded.
	RecordOutputKey(key Key, outputID OutputID) error
	// LookupOutputKey returns the recorded owner of a one-time output key,
	// or nil if the key has never been seen.
	LookupOutputKey(key Key) (*OutputID, error)

	// GetHeight returns the last scanned height, or nil if no scan has
	// completed yet.
	GetHeight() (*uint64, error)
	// SetHeight records the last scanned height.
	SetHeight(height uint64) error

	// Flush persists all pending writes to stable storage.
	Flush() error
	// Close releases the underlying resources.
	Close() error
}
