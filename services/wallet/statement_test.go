package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDFStatementRenderer(t *testing.T) {
	renderer := NewPDFStatementRenderer()
	generated := time.Date(2026, 1, 12, 15, 4, 0, 0, time.UTC)

	out, err := renderer.Render(context.Background(), StatementData{
		User: User{ID: 1, Name: "Rahim Uddin", Email: "rahim@example.com"},
		Transactions: []WalletTransaction{
			*NewWalletTransaction("t2", "w1", TransactionTypeDebit, dec("40"), dec("60"), "", "order-1", "Purchase", nil),
			*NewWalletTransaction("t1", "w1", TransactionTypeCredit, dec("100"), dec("100"), "TRX1", "PID-1", "Added money via bKash", nil),
		},
		GeneratedAt: generated,
		Locale:      LocaleEN,
	})

	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestPDFStatementRenderer_EmptyHistoryAndUnknownLocale(t *testing.T) {
	out, err := NewPDFStatementRenderer().Render(context.Background(), StatementData{
		User:        User{ID: 2, Name: "Karim", Email: "karim@example.com"},
		GeneratedAt: time.Now(),
		Locale:      LocaleBN,
	})

	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestPDFStatementRenderer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewPDFStatementRenderer().Render(ctx, StatementData{})

	assert.ErrorIs(t, err, ErrStatementUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
}
