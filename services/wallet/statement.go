package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/phpdave11/gofpdf"
)

// StatementData é o conteúdo de um extrato
type StatementData struct {
	User         User
	Transactions []WalletTransaction
	GeneratedAt  time.Time
	Locale       string
}

// StatementRenderer gera o documento do extrato
type StatementRenderer interface {
	Render(ctx context.Context, data StatementData) ([]byte, error)
}

type statementLabels struct {
	title, account, generated                        string
	date, trxID, txType, amount, balance, descr, none string
}

var statementLabelsByLocale = map[string]statementLabels{
	LocaleEN: {
		title:     "Wallet Statement",
		account:   "Account",
		generated: "Generated at",
		date:      "Date",
		trxID:     "Trx ID",
		txType:    "Type",
		amount:    "Amount",
		balance:   "Balance After",
		descr:     "Description",
		none:      "No transactions yet.",
	},
}

// PDFStatementRenderer gera o extrato em PDF com gofpdf
type PDFStatementRenderer struct{}

// NewPDFStatementRenderer cria o renderer de extratos em PDF
func NewPDFStatementRenderer() *PDFStatementRenderer {
	return &PDFStatementRenderer{}
}

// Render gera o PDF; locales sem rótulos próprios usam os rótulos em inglês
func (r *PDFStatementRenderer) Render(ctx context.Context, data StatementData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatementUnavailable, err)
	}

	labels, ok := statementLabelsByLocale[data.Locale]
	if !ok {
		labels = statementLabelsByLocale[LocaleEN]
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(labels.title, true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, labels.title)
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 11)
	pdf.Cell(0, 7, tr(fmt.Sprintf("%s: %s <%s>", labels.account, data.User.Name, data.User.Email)))
	pdf.Ln(7)
	pdf.Cell(0, 7, fmt.Sprintf("%s: %s", labels.generated, data.GeneratedAt.Format("Mon, Jan 2, 2006 3:04 PM")))
	pdf.Ln(10)

	widths := []float64{32, 30, 18, 26, 28, 56}
	headers := []string{labels.date, labels.trxID, labels.txType, labels.amount, labels.balance, labels.descr}

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(226, 19, 110)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	pdf.SetTextColor(0, 0, 0)
	if len(data.Transactions) == 0 {
		pdf.CellFormat(sum(widths), 8, labels.none, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}
	for _, t := range data.Transactions {
		row := []string{
			t.CreatedAt.Format("2006-01-02 15:04"),
			t.TrxID,
			string(t.Type),
			t.Amount.StringFixed(2),
			t.BalanceAfter.StringFixed(2),
			tr(t.Description),
		}
		for i, v := range row {
			align := "L"
			if i == 3 || i == 4 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 7, v, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatementUnavailable, err)
	}
	return buf.Bytes(), nil
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}
