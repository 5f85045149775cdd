// Package features derives the fixed-shape feature record the classifier
// consumes from a raw scan observation.
package features

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shortontech/apguard/internal/scan"
)

// Defaults substituted for absent or malformed observation fields.
const (
	DefaultSignal   = -80
	DefaultChannel  = 1
	DefaultSecurity = "OPEN"
	DefaultVendor   = "None"
)

// specialChars are the SSID characters that set SSIDHasSpecial.
const specialChars = "_-@"

// Record is the feature vector of one observation. It is comparable, so it
// can key caches.
type Record struct {
	Signal         int    `json:"signal"`
	Channel        int    `json:"channel"`
	Security       string `json:"security"`
	Vendor         string `json:"vendor"`
	SSIDLen        int    `json:"ssid_len"`
	SSIDHasSpecial bool   `json:"ssid_has_special"`
}

// rule parses one observation field into the record. Every apply func is
// total: it never fails and never leaves its target unset.
type rule struct {
	name  string
	field func(scan.Observation) scan.Field
	apply func(scan.Field, *Record)
}

var rules = []rule{
	{"signal", func(o scan.Observation) scan.Field { return o.Signal }, func(f scan.Field, r *Record) { r.Signal = parseSignal(f) }},
	{"channel", func(o scan.Observation) scan.Field { return o.Channel }, func(f scan.Field, r *Record) { r.Channel = parseChannel(f) }},
	{"security", func(o scan.Observation) scan.Field { return o.Security }, func(f scan.Field, r *Record) { r.Security = parseText(f, DefaultSecurity) }},
	{"vendor", func(o scan.Observation) scan.Field { return o.Vendor }, func(f scan.Field, r *Record) { r.Vendor = parseText(f, DefaultVendor) }},
	{"ssid", func(o scan.Observation) scan.Field { return o.SSID }, func(f scan.Field, r *Record) {
		r.SSIDLen, r.SSIDHasSpecial = SSID(parseText(f, ""))
	}},
}

// Extract maps an observation to its feature record. It is pure and total.
func Extract(obs scan.Observation) Record {
	var r Record
	for _, rl := range rules {
		rl.apply(rl.field(obs), &r)
	}
	return r
}

// ExtractAll maps a batch, preserving order.
func ExtractAll(batch []scan.Observation) []Record {
	out := make([]Record, len(batch))
	for i := range batch {
		out[i] = Extract(batch[i])
	}
	return out
}

// SSID returns the character count of ssid and whether it contains any of
// '_', '-' or '@'.
func SSID(ssid string) (length int, hasSpecial bool) {
	return utf8.RuneCountInString(ssid), strings.ContainsAny(ssid, specialChars)
}

// parseSignal accepts integer number tokens only; "-40" as a string is not
// a signal reading.
func parseSignal(f scan.Field) int {
	if n, ok := f.AsInt(); ok {
		return n
	}
	return DefaultSignal
}

// parseChannel accepts a whole-number token such as 6 or 6.0, or a value
// whose string form is all ASCII digits. Signs, fractions and zero fall
// back to the default.
func parseChannel(f scan.Field) int {
	if n, ok := f.AsWhole(); ok {
		if n <= 0 {
			return DefaultChannel
		}
		return n
	}
	s := f.Text()
	if !isDigits(s) {
		return DefaultChannel
	}
	n, err := strconv.Atoi(s)
	if err != nil || n == 0 {
		return DefaultChannel
	}
	return n
}

func parseText(f scan.Field, def string) string {
	if s, ok := f.AsString(); ok && s != "" {
		return s
	}
	return def
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
