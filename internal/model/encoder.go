package model

import (
	"sort"

	"github.com/shortontech/apguard/internal/features"
)

// passthrough is the number of numeric columns appended after the one-hot
// blocks: signal, channel, ssid_len, ssid_has_special.
const passthrough = 4

// Encoder turns feature records into the numeric rows the model was trained
// on: one-hot security, one-hot vendor, then the passthrough columns.
// Categories not seen in training encode as all zeros. Category order is
// column order and must match the order used in training.
type Encoder struct {
	Security []string `json:"security" yaml:"security"`
	Vendor   []string `json:"vendor" yaml:"vendor"`
}

// FitEncoder collects the sorted distinct categories of records.
func FitEncoder(records []features.Record) Encoder {
	sec := map[string]struct{}{}
	ven := map[string]struct{}{}
	for _, r := range records {
		sec[r.Security] = struct{}{}
		ven[r.Vendor] = struct{}{}
	}
	return Encoder{Security: sortedKeys(sec), Vendor: sortedKeys(ven)}
}

// Width is the length of an encoded row.
func (e Encoder) Width() int {
	return len(e.Security) + len(e.Vendor) + passthrough
}

// Encode writes one record into a fresh row.
func (e Encoder) Encode(r features.Record) []float64 {
	row := make([]float64, e.Width())
	if i := indexOf(e.Security, r.Security); i >= 0 {
		row[i] = 1
	}
	off := len(e.Security)
	if i := indexOf(e.Vendor, r.Vendor); i >= 0 {
		row[off+i] = 1
	}
	off += len(e.Vendor)
	row[off] = float64(r.Signal)
	row[off+1] = float64(r.Channel)
	row[off+2] = float64(r.SSIDLen)
	if r.SSIDHasSpecial {
		row[off+3] = 1
	}
	return row
}

// EncodeBatch encodes records in order.
func (e Encoder) EncodeBatch(batch []features.Record) [][]float64 {
	rows := make([][]float64, len(batch))
	for i, r := range batch {
		rows[i] = e.Encode(r)
	}
	return rows
}

func indexOf(categories []string, v string) int {
	for i, c := range categories {
		if c == v {
			return i
		}
	}
	return -1
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
