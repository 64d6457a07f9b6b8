// Package recon materialises daily settlement reports joining deal legs with
// their payout rows, and flags anomalies an operator must review. Reports are
// written as CSV and Parquet artefacts; amounts stay decimal base-unit
// strings in both so the files carry exact values.
package recon

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"otcbroker/broker/storage"
	"otcbroker/deal"
	"otcbroker/observability/metrics"
)

// ReportRetentionDays specifies how long generated reports remain on disk.
const ReportRetentionDays = 545 // 18 months

// Anomaly types emitted by the reporter.
const (
	AnomalyPayoutFailed  = "payout_failed"
	AnomalyValueMismatch = "value_mismatch"
	AnomalyMissingPayout = "missing_payout"
	AnomalyMixedTerminal = "mixed_terminal"
)

// PayoutSource is the slice of the payout store the reporter reads.
type PayoutSource interface {
	ByEscrow(ctx context.Context, fromAddr string) ([]storage.PayoutRecord, error)
}

// AlertFunc is invoked for every anomaly detected during a run.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reporter.
type Config struct {
	DB        *gorm.DB
	Payouts   PayoutSource
	OutputDir string
	TZ        *time.Location
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Log       *slog.Logger
}

// RunOptions specifies the reporting window.
type RunOptions struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// Reporter joins terminal deal legs against the payout ledger and writes the
// daily settlement artefacts.
type Reporter struct {
	db        *gorm.DB
	payouts   PayoutSource
	outputDir string
	tz        *time.Location
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	log       *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	DealID  uuid.UUID
	LegID   uuid.UUID
	Ledger  string
	Asset   string
	Details string
}

// ReportRow summarises one payout leg of a settled or reverted deal.
type ReportRow struct {
	DealID        uuid.UUID
	Reference     string
	LegID         uuid.UUID
	Party         string
	LedgerID      string
	Asset         string
	EscrowAddress string
	LegState      string
	Purpose       string
	Phase         int
	ToAddr        string
	Amount        string
	PayoutStatus  string
	Attempts      int
	TxIDs         []string
	SubmittedAt   time.Time
	CompletedAt   time.Time
}

// ReportFile references the CSV and Parquet artefacts written for one ledger.
type ReportFile struct {
	LedgerID    string
	CSVPath     string
	ParquetPath string
	Count       int
}

// Result summarises a reporting run.
type Result struct {
	Start     time.Time
	End       time.Time
	Rows      []*ReportRow
	Files     []ReportFile
	Anomalies []Anomaly
	// Settled totals the confirmed swap value per asset.
	Settled map[string]*big.Int
}

// NewReporter builds a configured reporter.
func NewReporter(cfg Config) (*Reporter, error) {
	if cfg.DB == nil {
		return nil, errors.New("recon: db is required")
	}
	if cfg.Payouts == nil {
		return nil, errors.New("recon: payout source is required")
	}
	tz := cfg.TZ
	if tz == nil {
		tz = time.UTC
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("broker-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(context.Context, Anomaly) error { return nil }
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().In(tz) }
	}
	metrics.Recon().InitOutcome("success", "failure")
	for _, kind := range []string{AnomalyPayoutFailed, AnomalyValueMismatch, AnomalyMissingPayout, AnomalyMixedTerminal} {
		metrics.Recon().InitAnomalyKind(kind)
	}
	return &Reporter{
		db:        cfg.DB,
		payouts:   cfg.Payouts,
		outputDir: outputDir,
		tz:        tz,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		log:       log.With("component", "recon"),
	}, nil
}

// Run executes reconciliation for the supplied window.
func (r *Reporter) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	result, err := r.run(ctx, opts)
	if err != nil {
		metrics.Recon().ObserveRun("failure")
		return nil, err
	}
	metrics.Recon().ObserveRun("success")
	metrics.Recon().SetLastRun(r.now().Unix())
	metrics.Recon().ObserveReportRows(opts.End.In(r.tz).Format("2006-01-02"), len(result.Rows))
	for asset, total := range result.Settled {
		metrics.Recon().ObserveSettledValue(asset, bigToFloat(total))
	}
	return result, nil
}

func (r *Reporter) run(ctx context.Context, opts RunOptions) (*Result, error) {
	start := opts.Start.In(r.tz)
	end := opts.End.In(r.tz)
	if end.Before(start) {
		return nil, fmt.Errorf("recon: end before start")
	}
	dryRun := r.dryRun || opts.DryRun

	var legs []deal.Leg
	if err := r.db.WithContext(ctx).
		Where("updated_at BETWEEN ? AND ?", start, end).
		Where("state IN ?", []deal.LegState{deal.LegSettled, deal.LegReverted}).
		Find(&legs).Error; err != nil {
		return nil, fmt.Errorf("recon: load legs: %w", err)
	}

	dealIDs := make([]uuid.UUID, 0, len(legs))
	dealSeen := map[uuid.UUID]bool{}
	for _, leg := range legs {
		if !dealSeen[leg.DealID] {
			dealIDs = append(dealIDs, leg.DealID)
			dealSeen[leg.DealID] = true
		}
	}
	dealMap := map[uuid.UUID]deal.Deal{}
	if len(dealIDs) > 0 {
		var deals []deal.Deal
		if err := r.db.WithContext(ctx).Preload("Legs").Where("id IN ?", dealIDs).Find(&deals).Error; err != nil {
			return nil, fmt.Errorf("recon: load deals: %w", err)
		}
		for _, d := range deals {
			dealMap[d.ID] = d
		}
	}

	rows := make([]*ReportRow, 0, len(legs)*3)
	anomalies := make([]Anomaly, 0)
	settled := make(map[string]*big.Int)

	for _, leg := range legs {
		d := dealMap[leg.DealID]
		payouts, err := r.payouts.ByEscrow(ctx, leg.EscrowAddress)
		if err != nil {
			return nil, fmt.Errorf("recon: load payouts for %s: %w", leg.EscrowAddress, err)
		}
		sort.Slice(payouts, func(i, j int) bool {
			if payouts[i].Phase != payouts[j].Phase {
				return payouts[i].Phase < payouts[j].Phase
			}
			return payouts[i].CreatedAt.Before(payouts[j].CreatedAt)
		})

		sawSettlement := false
		for _, rec := range payouts {
			amount := "0"
			if rec.Amount != nil {
				amount = rec.Amount.String()
			}
			rows = append(rows, &ReportRow{
				DealID:        leg.DealID,
				Reference:     d.Reference,
				LegID:         leg.ID,
				Party:         leg.Party,
				LedgerID:      leg.LedgerID,
				Asset:         rec.Asset,
				EscrowAddress: leg.EscrowAddress,
				LegState:      string(leg.State),
				Purpose:       rec.Purpose,
				Phase:         rec.Phase,
				ToAddr:        rec.ToAddr,
				Amount:        amount,
				PayoutStatus:  string(rec.Status),
				Attempts:      rec.Attempts,
				TxIDs:         rec.TxIDs,
				SubmittedAt:   rec.CreatedAt.In(r.tz),
				CompletedAt:   rec.CompletedAt.In(r.tz),
			})
			if rec.Status == storage.StatusFailed {
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyPayoutFailed,
					DealID:  leg.DealID,
					LegID:   leg.ID,
					Ledger:  leg.LedgerID,
					Asset:   rec.Asset,
					Details: fmt.Sprintf("payout %s (%s) failed: %s", rec.ID, rec.Purpose, rec.LastError),
				}))
			}
			switch rec.Purpose {
			case "swap":
				sawSettlement = true
				if rec.Status == storage.StatusConfirmed && rec.Amount != nil {
					total, ok := settled[rec.Asset]
					if !ok {
						total = new(big.Int)
						settled[rec.Asset] = total
					}
					total.Add(total, rec.Amount)
				}
				if a := r.checkValue(ctx, leg, rec, leg.SwapValue); a != nil {
					anomalies = append(anomalies, *a)
				}
			case "fee":
				if a := r.checkValue(ctx, leg, rec, leg.FeeValue); a != nil {
					anomalies = append(anomalies, *a)
				}
			default:
				if strings.HasPrefix(rec.Purpose, "drive:") {
					sawSettlement = true
				}
			}
		}

		if leg.State == deal.LegSettled && !sawSettlement {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyMissingPayout,
				DealID:  leg.DealID,
				LegID:   leg.ID,
				Ledger:  leg.LedgerID,
				Asset:   leg.Asset,
				Details: "leg is SETTLED but no swap payout row exists",
			}))
		}
	}

	// A deal whose legs ended in different terminal states never comes out
	// of the orchestrator on its own; flag it for review.
	for _, d := range dealMap {
		var sawSettled, sawReverted bool
		for _, leg := range d.Legs {
			switch leg.State {
			case deal.LegSettled:
				sawSettled = true
			case deal.LegReverted:
				sawReverted = true
			}
		}
		if sawSettled && sawReverted {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyMixedTerminal,
				DealID:  d.ID,
				Details: fmt.Sprintf("deal %s has one settled and one reverted leg", d.Reference),
			}))
		}
	}

	files := make([]ReportFile, 0)
	if !dryRun && len(rows) > 0 {
		runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			return nil, fmt.Errorf("recon: ensure output dir: %w", err)
		}
		for ledger, entries := range groupRows(rows) {
			csvPath, parquetPath, err := r.writeReportFiles(runDir, ledger, entries)
			if err != nil {
				return nil, err
			}
			files = append(files, ReportFile{
				LedgerID:    ledger,
				CSVPath:     csvPath,
				ParquetPath: parquetPath,
				Count:       len(entries),
			})
		}
		sort.Slice(files, func(i, j int) bool { return files[i].LedgerID < files[j].LedgerID })
	}

	return &Result{Start: start, End: end, Rows: rows, Files: files, Anomalies: anomalies, Settled: settled}, nil
}

// checkValue compares a settlement payout row against the amount baked into
// the leg at deal creation. Refund rows have no expected value; surplus is
// whatever remained.
func (r *Reporter) checkValue(ctx context.Context, leg deal.Leg, rec storage.PayoutRecord, expectedRaw string) *Anomaly {
	expected, ok := new(big.Int).SetString(expectedRaw, 10)
	if !ok || rec.Amount == nil {
		return nil
	}
	if expected.Cmp(rec.Amount) == 0 {
		return nil
	}
	diff := new(big.Int).Sub(expected, rec.Amount)
	metrics.Recon().ObserveValueMismatch(rec.Asset, bigToFloat(diff))
	anomaly := r.raise(ctx, Anomaly{
		Type:    AnomalyValueMismatch,
		DealID:  leg.DealID,
		LegID:   leg.ID,
		Ledger:  leg.LedgerID,
		Asset:   rec.Asset,
		Details: fmt.Sprintf("%s payout %s vs leg value %s", rec.Purpose, rec.Amount, expected),
	})
	return &anomaly
}

func (r *Reporter) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	metrics.Recon().ObserveAnomaly(anomaly.Type)
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.log.Warn("anomaly alert delivery failed", "kind", anomaly.Type, "error", err.Error())
		}
	}
	return anomaly
}

func groupRows(rows []*ReportRow) map[string][]*ReportRow {
	grouped := make(map[string][]*ReportRow)
	for _, row := range rows {
		grouped[strings.ToLower(row.LedgerID)] = append(grouped[strings.ToLower(row.LedgerID)], row)
	}
	return grouped
}

func (r *Reporter) writeReportFiles(baseDir, ledger string, rows []*ReportRow) (string, string, error) {
	csvPath := filepath.Join(baseDir, ledger+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, ledger+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return "", "", err
	}
	r.log.Info("report written", "ledger", ledger, "rows", len(rows), "csv", csvPath, "parquet", parquetPath)
	return csvPath, parquetPath, nil
}

var csvHeader = []string{
	"deal_id", "reference", "leg_id", "party", "ledger", "asset", "escrow_address",
	"leg_state", "purpose", "phase", "to", "amount", "payout_status", "attempts",
	"txids", "submitted_at", "completed_at",
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.DealID.String(),
			row.Reference,
			row.LegID.String(),
			row.Party,
			row.LedgerID,
			row.Asset,
			row.EscrowAddress,
			row.LegState,
			row.Purpose,
			fmt.Sprintf("%d", row.Phase),
			row.ToAddr,
			row.Amount,
			row.PayoutStatus,
			fmt.Sprintf("%d", row.Attempts),
			strings.Join(row.TxIDs, " "),
			formatTime(row.SubmittedAt),
			formatTime(row.CompletedAt),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	DealID        string `parquet:"name=deal_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference     string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	LegID         string `parquet:"name=leg_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Party         string `parquet:"name=party, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerID      string `parquet:"name=ledger, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset         string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowAddress string `parquet:"name=escrow_address, type=BYTE_ARRAY, convertedtype=UTF8"`
	LegState      string `parquet:"name=leg_state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Purpose       string `parquet:"name=purpose, type=BYTE_ARRAY, convertedtype=UTF8"`
	Phase         int32  `parquet:"name=phase, type=INT32"`
	ToAddr        string `parquet:"name=to, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount        string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutStatus  string `parquet:"name=payout_status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts      int32  `parquet:"name=attempts, type=INT32"`
	TxIDs         string `parquet:"name=txids, type=BYTE_ARRAY, convertedtype=UTF8"`
	SubmittedAt   string `parquet:"name=submitted_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompletedAt   string `parquet:"name=completed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			DealID:        row.DealID.String(),
			Reference:     row.Reference,
			LegID:         row.LegID.String(),
			Party:         row.Party,
			LedgerID:      row.LedgerID,
			Asset:         row.Asset,
			EscrowAddress: row.EscrowAddress,
			LegState:      row.LegState,
			Purpose:       row.Purpose,
			Phase:         int32(row.Phase),
			ToAddr:        row.ToAddr,
			Amount:        row.Amount,
			PayoutStatus:  row.PayoutStatus,
			Attempts:      int32(row.Attempts),
			TxIDs:         strings.Join(row.TxIDs, " "),
			SubmittedAt:   formatTime(row.SubmittedAt),
			CompletedAt:   formatTime(row.CompletedAt),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// bigToFloat renders a base-unit total for the metrics boundary. Display
// only; settlement arithmetic never leaves big.Int.
func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
