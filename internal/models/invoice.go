package models

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PiconerosPerXMR is the number of piconeros in one XMR.
const PiconerosPerXMR = 1_000_000_000_000

// SubIndex is a subaddress index: a major (account) index and a minor index
// within that account.
type SubIndex struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func NewSubIndex(major, minor uint32) SubIndex {
	return SubIndex{Major: major, Minor: minor}
}

func (s SubIndex) String() string {
	return fmt.Sprintf("%d/%d", s.Major, s.Minor)
}

// Cmp orders subindexes by major, then minor.
func (s SubIndex) Cmp(other SubIndex) int {
	if s.Major != other.Major {
		if s.Major < other.Major {
			return -1
		}
		return 1
	}
	if s.Minor != other.Minor {
		if s.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// InvoiceID uniquely identifies an invoice by the combination of its
// subaddress index and creation height.
type InvoiceID struct {
	SubIndex       SubIndex `json:"sub_index"`
	CreationHeight uint64   `json:"creation_height"`
}

func NewInvoiceID(subIndex SubIndex, creationHeight uint64) InvoiceID {
	return InvoiceID{SubIndex: subIndex, CreationHeight: creationHeight}
}

// String returns the wire form of the ID: 4 bytes of packed subaddress index
// ((major<<16)|minor, little-endian) followed by 8 bytes of creation height,
// base64url encoded without padding.
func (id InvoiceID) String() string {
	var buf [12]byte
	packed := id.SubIndex.Major<<16 | id.SubIndex.Minor&0xFFFF
	binary.LittleEndian.PutUint32(buf[:4], packed)
	binary.LittleEndian.PutUint64(buf[4:], id.CreationHeight)
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// ParseInvoiceID decodes the wire form produced by InvoiceID.String.
func ParseInvoiceID(s string) (InvoiceID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return InvoiceID{}, fmt.Errorf("invoice ID is not valid base64: %w", err)
	}
	if len(raw) != 12 {
		return InvoiceID{}, fmt.Errorf("invoice ID must be 12 bytes, got %d", len(raw))
	}
	packed := binary.LittleEndian.Uint32(raw[:4])
	return InvoiceID{
		SubIndex:       SubIndex{Major: packed >> 16, Minor: packed & 0xFFFF},
		CreationHeight: binary.LittleEndian.Uint64(raw[4:]),
	}, nil
}

func (id InvoiceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *InvoiceID) UnmarshalText(text []byte) error {
	parsed, err := ParseInvoiceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Transfer is one owned output credited to an invoice's subaddress. Height is
// nil while the transaction is only in the txpool.
type Transfer struct {
	Amount uint64  `json:"amount"`
	Height *uint64 `json:"height"`
}

func NewTransfer(amount uint64, height *uint64) Transfer {
	return Transfer{Amount: amount, Height: height}
}

// CmpByHeight orders transfers by height. Txpool transfers (nil height) are
// newer than any mined transfer.
func (t Transfer) CmpByHeight(other Transfer) int {
	switch {
	case t.Height == nil && other.Height == nil:
		return 0
	case t.Height == nil:
		return 1
	case other.Height == nil:
		return -1
	case *t.Height < *other.Height:
		return -1
	case *t.Height > *other.Height:
		return 1
	default:
		return 0
	}
}

// Invoice is a single payment request tracked by the gateway. Invoices are
// created by the gateway facade and mutated exclusively by the scanner loop.
type Invoice struct {
	Address               string     `json:"address"`
	Index                 SubIndex   `json:"index"`
	CreationHeight        uint64     `json:"creation_height"`
	AmountRequested       uint64     `json:"amount_requested"`
	AmountPaid            uint64     `json:"amount_paid"`
	PaidHeight            *uint64    `json:"paid_height"`
	ConfirmationsRequired uint64     `json:"confirmations_required"`
	CurrentHeight         uint64     `json:"current_height"`
	ExpirationHeight      uint64     `json:"expiration_height"`
	Transfers             []Transfer `json:"transfers"`
	Description           string     `json:"description"`
	Callback              string     `json:"callback,omitempty"`
}

// NewInvoice returns a fresh, unpaid invoice. The expiration height is
// creationHeight + expirationIn.
func NewInvoice(address string, index SubIndex, creationHeight, amountRequested, confirmationsRequired, expirationIn uint64, description, callback string) Invoice {
	return Invoice{
		Address:               address,
		Index:                 index,
		CreationHeight:        creationHeight,
		AmountRequested:       amountRequested,
		ConfirmationsRequired: confirmationsRequired,
		CurrentHeight:         creationHeight,
		ExpirationHeight:      creationHeight + expirationIn,
		Description:           description,
		Callback:              callback,
	}
}

// ID returns the stable identifier of this invoice.
func (inv *Invoice) ID() InvoiceID {
	return InvoiceID{SubIndex: inv.Index, CreationHeight: inv.CreationHeight}
}

// Confirmations returns the number of confirmations the invoice has received
// since it was paid in full, or nil if it is not yet fully paid in mined
// blocks. An invoice fully funded only from the txpool has no paid height yet
// and therefore no confirmation count.
func (inv *Invoice) Confirmations() *uint64 {
	if inv.AmountPaid < inv.AmountRequested || inv.PaidHeight == nil {
		return nil
	}
	var confirmations uint64
	if inv.CurrentHeight > *inv.PaidHeight {
		confirmations = inv.CurrentHeight - *inv.PaidHeight
	}
	return &confirmations
}

// IsConfirmed reports whether the invoice has received the required number of
// confirmations.
func (inv *Invoice) IsConfirmed() bool {
	confirmations := inv.Confirmations()
	return confirmations != nil && *confirmations >= inv.ConfirmationsRequired
}

// AwaitingConfirmation reports whether the invoice is fully funded but still
// short of its required confirmations.
func (inv *Invoice) AwaitingConfirmation() bool {
	confirmations := inv.Confirmations()
	return confirmations != nil && *confirmations < inv.ConfirmationsRequired
}

// IsExpired reports whether the invoice is at or past its expiration height
// and not awaiting confirmation.
func (inv *Invoice) IsExpired() bool {
	return inv.CurrentHeight >= inv.ExpirationHeight && !inv.AwaitingConfirmation()
}

// ExpirationIn returns the number of blocks before expiration.
func (inv *Invoice) ExpirationIn() uint64 {
	if inv.ExpirationHeight <= inv.CurrentHeight {
		return 0
	}
	return inv.ExpirationHeight - inv.CurrentHeight
}

// URI returns a monero: payment URI with the amount still due pre-filled.
// Monero URIs are supported by all major wallets.
func (inv *Invoice) URI() string {
	var due uint64
	if inv.AmountRequested > inv.AmountPaid {
		due = inv.AmountRequested - inv.AmountPaid
	}
	return fmt.Sprintf("monero:%s?tx_amount=%s", inv.Address, FormatXMR(due))
}

// XmrRequested returns the requested amount in XMR. Precision may be lost for
// very large amounts; prefer AmountRequested where accuracy matters.
func (inv *Invoice) XmrRequested() float64 {
	return float64(inv.AmountRequested/PiconerosPerXMR) +
		float64(inv.AmountRequested%PiconerosPerXMR)/float64(PiconerosPerXMR)
}

// XmrPaid returns the paid amount in XMR, with the same caveats as
// XmrRequested.
func (inv *Invoice) XmrPaid() float64 {
	return float64(inv.AmountPaid/PiconerosPerXMR) +
		float64(inv.AmountPaid%PiconerosPerXMR)/float64(PiconerosPerXMR)
}

// Clone returns a deep copy that shares no memory with the original.
func (inv *Invoice) Clone() Invoice {
	clone := *inv
	if inv.PaidHeight != nil {
		paidHeight := *inv.PaidHeight
		clone.PaidHeight = &paidHeight
	}
	if inv.Transfers != nil {
		clone.Transfers = make([]Transfer, len(inv.Transfers))
		for i, t := range inv.Transfers {
			clone.Transfers[i] = t
			if t.Height != nil {
				height := *t.Height
				clone.Transfers[i].Height = &height
			}
		}
	}
	return clone
}

// Equal compares two invoices, ignoring the order of their transfers. The
// scanner relies on this to avoid publishing updates for txpool ordering
// churn.
func (inv *Invoice) Equal(other *Invoice) bool {
	if inv.Address != other.Address ||
		inv.Index != other.Index ||
		inv.CreationHeight != other.CreationHeight ||
		inv.AmountRequested != other.AmountRequested ||
		inv.AmountPaid != other.AmountPaid ||
		inv.ConfirmationsRequired != other.ConfirmationsRequired ||
		inv.CurrentHeight != other.CurrentHeight ||
		inv.ExpirationHeight != other.ExpirationHeight ||
		inv.Description != other.Description ||
		inv.Callback != other.Callback {
		return false
	}
	if (inv.PaidHeight == nil) != (other.PaidHeight == nil) {
		return false
	}
	if inv.PaidHeight != nil && *inv.PaidHeight != *other.PaidHeight {
		return false
	}
	if len(inv.Transfers) != len(other.Transfers) {
		return false
	}
	lhs := sortedTransfers(inv.Transfers)
	rhs := sortedTransfers(other.Transfers)
	for i := range lhs {
		if lhs[i] != rhs[i] {
			return false
		}
	}
	return true
}

func sortedTransfers(transfers []Transfer) []transferKey {
	keys := make([]transferKey, len(transfers))
	for i, t := range transfers {
		keys[i] = transferKey{amount: t.Amount, mined: t.Height != nil}
		if t.Height != nil {
			keys[i].height = *t.Height
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].mined != keys[j].mined {
			return keys[i].mined
		}
		if keys[i].height != keys[j].height {
			return keys[i].height < keys[j].height
		}
		return keys[i].amount < keys[j].amount
	})
	return keys
}

type transferKey struct {
	amount uint64
	height uint64
	mined  bool
}

func (inv *Invoice) String() string {
	confirmations := "N/A"
	if c := inv.Confirmations(); c != nil {
		confirmations = strconv.FormatUint(*c, 10)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Index %s:\nPaid: %s/%s\nConfirmations: %s\nStarted at: %d\nCurrent height: %d\nExpiration at: %d\nDescription: %q\nTransfers:\n[",
		inv.Index,
		FormatXMR(inv.AmountPaid), FormatXMR(inv.AmountRequested),
		confirmations,
		inv.CreationHeight,
		inv.CurrentHeight,
		inv.ExpirationHeight,
		inv.Description,
	)
	for _, transfer := range inv.Transfers {
		height := "N/A"
		if transfer.Height != nil {
			height = strconv.FormatUint(*transfer.Height, 10)
		}
		fmt.Fprintf(&b, "\n   {Amount: %d, Height: %s}", transfer.Amount, height)
	}
	if len(inv.Transfers) == 0 {
		b.WriteString("]")
	} else {
		b.WriteString("\n]")
	}
	return b.String()
}

// invoiceJSON is the stable serialized form of an invoice, carrying the
// derived predicates alongside the raw state.
type invoiceJSON struct {
	ID                    string     `json:"id"`
	Address               string     `json:"address"`
	Index                 SubIndex   `json:"index"`
	CreationHeight        uint64     `json:"creation_height"`
	AmountRequested       uint64     `json:"amount_requested"`
	AmountPaid            uint64     `json:"amount_paid"`
	PaidHeight            *uint64    `json:"paid_height"`
	ConfirmationsRequired uint64     `json:"confirmations_required"`
	CurrentHeight         uint64     `json:"current_height"`
	ExpirationHeight      uint64     `json:"expiration_height"`
	Transfers             []Transfer `json:"transfers"`
	Description           string     `json:"description"`
	Callback              string     `json:"callback,omitempty"`
	URI                   string     `json:"uri"`
	Confirmations         *uint64    `json:"confirmations"`
	IsConfirmed           bool       `json:"is_confirmed"`
	IsExpired             bool       `json:"is_expired"`
}

func (inv Invoice) MarshalJSON() ([]byte, error) {
	return json.Marshal(invoiceJSON{
		ID:                    inv.ID().String(),
		Address:               inv.Address,
		Index:                 inv.Index,
		CreationHeight:        inv.CreationHeight,
		AmountRequested:       inv.AmountRequested,
		AmountPaid:            inv.AmountPaid,
		PaidHeight:            inv.PaidHeight,
		ConfirmationsRequired: inv.ConfirmationsRequired,
		CurrentHeight:         inv.CurrentHeight,
		ExpirationHeight:      inv.ExpirationHeight,
		Transfers:             inv.Transfers,
		Description:           inv.Description,
		Callback:              inv.Callback,
		URI:                   inv.URI(),
		Confirmations:         inv.Confirmations(),
		IsConfirmed:           inv.IsConfirmed(),
		IsExpired:             inv.IsExpired(),
	})
}

func (inv *Invoice) UnmarshalJSON(data []byte) error {
	var decoded invoiceJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*inv = Invoice{
		Address:               decoded.Address,
		Index:                 decoded.Index,
		CreationHeight:        decoded.CreationHeight,
		AmountRequested:       decoded.AmountRequested,
		AmountPaid:            decoded.AmountPaid,
		PaidHeight:            decoded.PaidHeight,
		ConfirmationsRequired: decoded.ConfirmationsRequired,
		CurrentHeight:         decoded.CurrentHeight,
		ExpirationHeight:      decoded.ExpirationHeight,
		Transfers:             decoded.Transfers,
		Description:           decoded.Description,
		Callback:              decoded.Callback,
	}
	return nil
}

// FormatXMR renders a piconero amount as a decimal XMR string without
// floating point rounding.
func FormatXMR(piconeros uint64) string {
	whole := piconeros / PiconerosPerXMR
	frac := piconeros % PiconerosPerXMR
	if frac == 0 {
		return fmt.Sprintf("%d.0", whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%012d", frac), "0")
	return fmt.Sprintf("%d.%s", whole, fracStr)
}
