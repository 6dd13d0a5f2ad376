package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func heightPtr(h uint64) *uint64 {
	return &h
}

func TestInvoiceIDWireForm(t *testing.T) {
	id := NewInvoiceID(NewSubIndex(1, 73), 2477657)

	encoded := id.String()
	require.Len(t, encoded, 16)

	decoded, err := ParseInvoiceID(encoded)
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestParseInvoiceIDRejectsGarbage(t *testing.T) {
	_, err := ParseInvoiceID("not base64!!")
	assert.Error(t, err)

	// Valid base64, wrong length.
	_, err = ParseInvoiceID("AAAA")
	assert.Error(t, err)
}

func TestInvoiceJSONRoundTrip(t *testing.T) {
	invoice := NewInvoice("testaddress", NewSubIndex(0, 1), 100, 1000, 2, 10, "for pizza", "https://example.com/cb")
	invoice.Transfers = []Transfer{
		{Amount: 250, Height: heightPtr(101)},
		{Amount: 750, Height: nil},
	}
	invoice.AmountPaid = 1000
	invoice.CurrentHeight = 102

	raw, err := json.Marshal(invoice)
	require.NoError(t, err)

	var decoded Invoice
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, invoice, decoded)
}

func TestInvoiceJSONCarriesDerivedFields(t *testing.T) {
	invoice := NewInvoice("testaddress", NewSubIndex(0, 1), 100, 1000, 0, 10, "", "")
	invoice.AmountPaid = 1000
	invoice.PaidHeight = heightPtr(100)
	invoice.CurrentHeight = 101
	invoice.Transfers = []Transfer{{Amount: 1000, Height: heightPtr(100)}}

	raw, err := json.Marshal(invoice)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, invoice.ID().String(), fields["id"])
	assert.Equal(t, true, fields["is_confirmed"])
	assert.Equal(t, float64(1), fields["confirmations"])
	assert.Contains(t, fields["uri"], "monero:testaddress?tx_amount=")
}

func TestConfirmations(t *testing.T) {
	invoice := NewInvoice("addr", NewSubIndex(0, 1), 100, 1000, 2, 10, "", "")

	// Unpaid: undefined.
	assert.Nil(t, invoice.Confirmations())
	assert.False(t, invoice.IsConfirmed())

	// Fully funded from the txpool: still undefined.
	invoice.AmountPaid = 1000
	assert.Nil(t, invoice.Confirmations())
	assert.False(t, invoice.AwaitingConfirmation())

	// Paid in a mined block.
	invoice.PaidHeight = heightPtr(101)
	invoice.CurrentHeight = 102
	require.NotNil(t, invoice.Confirmations())
	assert.Equal(t, uint64(1), *invoice.Confirmations())
	assert.False(t, invoice.IsConfirmed())
	assert.True(t, invoice.AwaitingConfirmation())

	invoice.CurrentHeight = 103
	assert.Equal(t, uint64(2), *invoice.Confirmations())
	assert.True(t, invoice.IsConfirmed())
	assert.False(t, invoice.AwaitingConfirmation())
}

func TestIsExpired(t *testing.T) {
	invoice := NewInvoice("addr", NewSubIndex(0, 1), 100, 1000, 2, 5, "", "")
	assert.False(t, invoice.IsExpired())

	invoice.CurrentHeight = 105
	assert.True(t, invoice.IsExpired())

	// Awaiting confirmation suspends expiry.
	invoice.AmountPaid = 1000
	invoice.PaidHeight = heightPtr(104)
	assert.True(t, invoice.AwaitingConfirmation())
	assert.False(t, invoice.IsExpired())
}

func TestExpirationIn(t *testing.T) {
	invoice := NewInvoice("addr", NewSubIndex(0, 1), 100, 1000, 0, 5, "", "")
	assert.Equal(t, uint64(5), invoice.ExpirationIn())
	invoice.CurrentHeight = 103
	assert.Equal(t, uint64(2), invoice.ExpirationIn())
	invoice.CurrentHeight = 110
	assert.Equal(t, uint64(0), invoice.ExpirationIn())
}

func TestURI(t *testing.T) {
	cases := []struct {
		requested uint64
		paid      uint64
		expected  string
	}{
		{1, 0, "0.000000000001"},
		{18446744073709551615, 0, "18446744.073709551615"},
		{1, 1, "0.0"},
		{2460000000000, 1230000000000, "1.23"},
	}
	for _, tc := range cases {
		invoice := NewInvoice("testaddress", NewSubIndex(0, 1), 0, tc.requested, 5, 10, "test", "")
		invoice.AmountPaid = tc.paid
		assert.Equal(t, "monero:testaddress?tx_amount="+tc.expected, invoice.URI())
	}
}

func TestEqualIgnoresTransferOrder(t *testing.T) {
	a := NewInvoice("addr", NewSubIndex(0, 1), 100, 1000, 0, 10, "", "")
	a.Transfers = []Transfer{
		{Amount: 250, Height: heightPtr(101)},
		{Amount: 750, Height: nil},
	}
	b := a.Clone()
	b.Transfers = []Transfer{
		{Amount: 750, Height: nil},
		{Amount: 250, Height: heightPtr(101)},
	}
	assert.True(t, a.Equal(&b))

	b.Transfers[0].Amount = 751
	assert.False(t, a.Equal(&b))
}

func TestCloneIsDeep(t *testing.T) {
	original := NewInvoice("addr", NewSubIndex(0, 1), 100, 1000, 0, 10, "", "")
	original.Transfers = []Transfer{{Amount: 250, Height: heightPtr(101)}}
	original.PaidHeight = heightPtr(101)

	clone := original.Clone()
	*clone.Transfers[0].Height = 999
	*clone.PaidHeight = 999

	assert.Equal(t, uint64(101), *original.Transfers[0].Height)
	assert.Equal(t, uint64(101), *original.PaidHeight)
}

func TestTransferCmpByHeight(t *testing.T) {
	mined := Transfer{Amount: 1, Height: heightPtr(100)}
	newer := Transfer{Amount: 1, Height: heightPtr(200)}
	pool := Transfer{Amount: 1, Height: nil}

	assert.Equal(t, -1, mined.CmpByHeight(newer))
	assert.Equal(t, 1, newer.CmpByHeight(mined))
	assert.Equal(t, 1, pool.CmpByHeight(newer))
	assert.Equal(t, -1, newer.CmpByHeight(pool))
	assert.Equal(t, 0, pool.CmpByHeight(Transfer{Amount: 2, Height: nil}))
}
