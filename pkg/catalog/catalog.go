// Package catalog reads the rate-card and customer tables that seed a
// simulation run.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pario-ai/usagesim/pkg/models"
)

var (
	// ErrSchema is returned when a table lacks a required column.
	ErrSchema = errors.New("table schema mismatch")
	// ErrNoCustomers is returned when the customer table yields no ids.
	ErrNoCustomers = errors.New("no customers")
	// ErrNoModels is returned when the rate card lists no models.
	ErrNoModels = errors.New("no models in rate card")
)

// RateCard is the parsed rate-card table.
type RateCard struct {
	Catalog models.Catalog
	// Rates holds the rows that carried price columns.
	Rates []models.RateEntry
}

// LoadRateCard reads a rate-card CSV. It requires model_name and type columns;
// input_price_per_1k, output_price_per_1k and price_per_hour are optional.
func LoadRateCard(path string) (*RateCard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rate card: %w", err)
	}
	defer f.Close()

	card, err := ParseRateCard(f)
	if err != nil {
		return nil, fmt.Errorf("rate card %s: %w", path, err)
	}
	return card, nil
}

// ParseRateCard parses rate-card CSV from r.
func ParseRateCard(r io.Reader) (*RateCard, error) {
	tbl, err := readTable(r, "model_name", "type")
	if err != nil {
		return nil, err
	}

	card := &RateCard{}
	seenModels := make(map[string]bool)
	seenTiers := make(map[string]bool)
	for i, row := range tbl.rows {
		line := i + 2
		model := tbl.get(row, "model_name")
		typ := tbl.get(row, "type")

		switch {
		case model != "":
			if !seenModels[model] {
				seenModels[model] = true
				card.Catalog.Models = append(card.Catalog.Models, model)
			}
			entry := models.RateEntry{ID: model}
			if entry.InputPricePer1K, err = tbl.float(row, "input_price_per_1k"); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			if entry.OutputPricePer1K, err = tbl.float(row, "output_price_per_1k"); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			if entry.InputPricePer1K != nil || entry.OutputPricePer1K != nil {
				card.Rates = append(card.Rates, entry)
			}
		case strings.HasPrefix(typ, models.GPUTierPrefix):
			if !seenTiers[typ] {
				seenTiers[typ] = true
				card.Catalog.GPUTiers = append(card.Catalog.GPUTiers, typ)
			}
			price, err := tbl.float(row, "price_per_hour")
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			if price != nil {
				card.Rates = append(card.Rates, models.RateEntry{ID: typ, PricePerHour: price})
			}
		}
	}

	if len(card.Catalog.Models) == 0 {
		return nil, ErrNoModels
	}
	return card, nil
}

// LoadCustomers reads customer ids from a CSV with a customer_id column.
// Blank and repeated ids are skipped; limit > 0 keeps only the first limit ids.
func LoadCustomers(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open customers: %w", err)
	}
	defer f.Close()

	ids, err := ParseCustomers(f, limit)
	if err != nil {
		return nil, fmt.Errorf("customers %s: %w", path, err)
	}
	return ids, nil
}

// ParseCustomers parses customer CSV from r.
func ParseCustomers(r io.Reader, limit int) ([]string, error) {
	tbl, err := readTable(r, "customer_id")
	if err != nil {
		return nil, err
	}

	var ids []string
	seen := make(map[string]bool)
	for _, row := range tbl.rows {
		id := tbl.get(row, "customer_id")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoCustomers
	}
	return ids, nil
}

type table struct {
	columns map[string]int
	rows    [][]string
}

func readTable(r io.Reader, required ...string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty table", ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	tbl := &table{columns: make(map[string]int, len(header))}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		tbl.columns[name] = i
	}
	for _, col := range required {
		if _, ok := tbl.columns[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrSchema, col)
		}
	}

	tbl.rows, err = cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return tbl, nil
}

func (t *table) get(row []string, col string) string {
	i, ok := t.columns[col]
	if !ok || i >= len(row) {
		return ""
	}
	v := strings.TrimSpace(row[i])
	// pandas writes missing values as NaN.
	if strings.EqualFold(v, "nan") {
		return ""
	}
	return v
}

func (t *table) float(row []string, col string) (*float64, error) {
	v := t.get(row, col)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", col, err)
	}
	return &f, nil
}
