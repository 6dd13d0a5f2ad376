package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/busyboredom/acceptxmr/internal/models"
	"github.com/busyboredom/acceptxmr/pkg/logger"
)

// invoiceRecord is the row form of a tracked invoice. The full invoice is
// serialized into Data; the remaining columns exist for querying.
type invoiceRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:16"`
	Major          uint32 `gorm:"column:major;index:idx_invoices_sub_index"`
	Minor          uint32 `gorm:"column:minor;index:idx_invoices_sub_index"`
	CreationHeight uint64 `gorm:"column:creation_height"`
	CurrentHeight  uint64 `gorm:"column:current_height;index"`
	Data           string `gorm:"column:data;type:text;not null"`
}

func (invoiceRecord) TableName() string {
	return "invoices"
}

type outputKeyRecord struct {
	Key         string `gorm:"column:key;primaryKey;size:64"`
	TxHash      string `gorm:"column:tx_hash;size:64;not null"`
	OutputIndex uint8  `gorm:"column:output_index;not null"`
}

func (outputKeyRecord) TableName() string {
	return "output_keys"
}

type metadataRecord struct {
	Name   string `gorm:"column:name;primaryKey;size:64"`
	Height uint64 `gorm:"column:height"`
}

func (metadataRecord) TableName() string {
	return "gateway_metadata"
}

const heightRecordName = "last_scanned_height"

// Postgres stores gateway state in a PostgreSQL database. Every write is
// durable on its own, so Flush is a no-op.
type Postgres struct {
	logger *logger.Logger

	Conn *gorm.DB
}

// NewPostgres connects to PostgreSQL and migrates the schema.
func NewPostgres(user, password, dbname, host string, port int, log *logger.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		host, user, password, dbname, port)

	// Suppress "record not found" noise; absent invoices are an expected
	// outcome, not an error.
	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.AutoMigrate(&invoiceRecord{}, &outputKeyRecord{}, &metadataRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate models: %w", err)
	}
	log.Info("Successfully connected to PostgreSQL!")
	return &Postgres{Conn: db, logger: log}, nil
}

func (s *Postgres) Close() error {
	sqlDB, err := s.Conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}

func newInvoiceRecord(invoice models.Invoice) (invoiceRecord, error) {
	raw, err := json.Marshal(invoice)
	if err != nil {
		return invoiceRecord{}, fmt.Errorf("failed to encode invoice %s: %w", invoice.ID(), err)
	}
	return invoiceRecord{
		ID:             invoice.ID().String(),
		Major:          invoice.Index.Major,
		Minor:          invoice.Index.Minor,
		CreationHeight: invoice.CreationHeight,
		CurrentHeight:  invoice.CurrentHeight,
		Data:           string(raw),
	}, nil
}

func (r invoiceRecord) invoice() (models.Invoice, error) {
	var invoice models.Invoice
	if err := json.Unmarshal([]byte(r.Data), &invoice); err != nil {
		return models.Invoice{}, fmt.Errorf("failed to decode stored invoice %s: %w", r.ID, err)
	}
	return invoice, nil
}

func (s *Postgres) InsertInvoice(invoice models.Invoice) error {
	record, err := newInvoiceRecord(invoice)
	if err != nil {
		return err
	}
	if err := s.Conn.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ErrDuplicateInvoice
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateInvoice(invoice models.Invoice) (models.Invoice, error) {
	old, err := s.GetInvoice(invoice.ID())
	if err != nil {
		return models.Invoice{}, err
	}
	if old == nil {
		return models.Invoice{}, models.ErrInvoiceNotFound
	}
	record, err := newInvoiceRecord(invoice)
	if err != nil {
		return models.Invoice{}, err
	}
	if err := s.Conn.Save(&record).Error; err != nil {
		return models.Invoice{}, fmt.Errorf("failed to update invoice: %w", err)
	}
	return *old, nil
}

func (s *Postgres) RemoveInvoice(id models.InvoiceID) (*models.Invoice, error) {
	old, err := s.GetInvoice(id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, nil
	}
	if err := s.Conn.Delete(&invoiceRecord{ID: id.String()}).Error; err != nil {
		return nil, fmt.Errorf("failed to remove invoice: %w", err)
	}
	return old, nil
}

func (s *Postgres) GetInvoice(id models.InvoiceID) (*models.Invoice, error) {
	var record invoiceRecord
	if err := s.Conn.Where("id = ?", id.String()).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	invoice, err := record.invoice()
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Postgres) InvoiceIDs() ([]models.InvoiceID, error) {
	var rawIDs []string
	if err := s.Conn.Model(&invoiceRecord{}).Pluck("id", &rawIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to list invoice IDs: %w", err)
	}
	ids := make([]models.InvoiceID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id, err := models.ParseInvoiceID(raw)
		if err != nil {
			return nil, fmt.Errorf("stored invoice has malformed ID %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Postgres) ContainsSubIndex(index models.SubIndex) (bool, error) {
	var count int64
	err := s.Conn.Model(&invoiceRecord{}).
		Where("major = ? AND minor = ?", index.Major, index.Minor).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check subaddress index: %w", err)
	}
	return count > 0, nil
}

func (s *Postgres) ForEachInvoice(f func(models.Invoice) error) error {
	var records []invoiceRecord
	if err := s.Conn.Find(&records).Error; err != nil {
		return fmt.Errorf("failed to list invoices: %w", err)
	}
	for _, record := range records {
		invoice, err := record.invoice()
		if err != nil {
			return err
		}
		if err := f(invoice); err != nil {
			return err
		}
	}
	return nil
}

func (s *Postgres) IsEmpty() (bool, error) {
	var count int64
	if err := s.Conn.Model(&invoiceRecord{}).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to count invoices: %w", err)
	}
	return count == 0, nil
}

func (s *Postgres) LowestInvoiceHeight() (*uint64, error) {
	var record invoiceRecord
	err := s.Conn.Order("current_height asc").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lowest invoice height: %w", err)
	}
	height := record.CurrentHeight
	return &height, nil
}

func (s *Postgres) RecordOutputKey(key models.Key, outputID models.OutputID) error {
	record := outputKeyRecord{
		Key:         key.Hex(),
		TxHash:      outputID.TxHash.Hex(),
		OutputIndex: outputID.Index,
	}
	if err := s.Conn.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.ErrDuplicateOutputKey
		}
		return fmt.Errorf("failed to record output key: %w", err)
	}
	return nil
}

func (s *Postgres) LookupOutputKey(key models.Key) (*models.OutputID, error) {
	var record outputKeyRecord
	if err := s.Conn.Where("key = ?", key.Hex()).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up output key: %w", err)
	}
	txHash, err := models.ParseHash(record.TxHash)
	if err != nil {
		return nil, fmt.Errorf("stored output key record has malformed tx hash: %w", err)
	}
	return &models.OutputID{TxHash: txHash, Index: record.OutputIndex}, nil
}

func (s *Postgres) GetHeight() (*uint64, error) {
	var record metadataRecord
	if err := s.Conn.Where("name = ?", heightRecordName).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scanner height: %w", err)
	}
	height := record.Height
	return &height, nil
}

func (s *Postgres) SetHeight(height uint64) error {
	record := metadataRecord{Name: heightRecordName, Height: height}
	if err := s.Conn.Save(&record).Error; err != nil {
		return fmt.Errorf("failed to set scanner height: %w", err)
	}
	return nil
}

// Flush is a no-op; PostgreSQL writes are durable as they happen.
func (s *Postgres) Flush() error {
	return nil
}
