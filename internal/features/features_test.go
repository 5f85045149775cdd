package features

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shortontech/apguard/internal/scan"
)

func observation(t *testing.T, raw string) scan.Observation {
	t.Helper()
	var obs scan.Observation
	if err := json.Unmarshal([]byte(raw), &obs); err != nil {
		t.Fatalf("unmarshal observation %s: %v", raw, err)
	}
	return obs
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		obs  string
		want Record
	}{
		{
			name: "complete observation",
			obs:  `{"ssid":"Free_WiFi","bssid":"aa:bb:cc:dd:ee:ff","signal":-45,"channel":6,"security":"OPEN","vendor":"Unknown"}`,
			want: Record{Signal: -45, Channel: 6, Security: "OPEN", Vendor: "Unknown", SSIDLen: 9, SSIDHasSpecial: true},
		},
		{
			name: "empty observation gets defaults",
			obs:  `{}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None", SSIDLen: 0, SSIDHasSpecial: false},
		},
		{
			name: "explicit nulls get defaults",
			obs:  `{"ssid":null,"signal":null,"channel":null,"security":null,"vendor":null}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "channel as digit string",
			obs:  `{"ssid":"Home","channel":"11","security":"WPA2","vendor":"Netgear","signal":-60}`,
			want: Record{Signal: -60, Channel: 11, Security: "WPA2", Vendor: "Netgear", SSIDLen: 4},
		},
		{
			name: "non-numeric channel",
			obs:  `{"channel":"auto"}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "zero channel",
			obs:  `{"channel":0}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "whole channel written as float",
			obs:  `{"channel":6.0}`,
			want: Record{Signal: -80, Channel: 6, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "fractional channel",
			obs:  `{"channel":6.5}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "negative channel",
			obs:  `{"channel":-3}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "signal as string",
			obs:  `{"signal":"-40"}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "empty security and vendor",
			obs:  `{"security":"","vendor":""}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "non-string security",
			obs:  `{"security":3,"vendor":["a"]}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None"},
		},
		{
			name: "ssid with at sign",
			obs:  `{"ssid":"guest@hotel"}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None", SSIDLen: 11, SSIDHasSpecial: true},
		},
		{
			name: "multibyte ssid counts characters",
			obs:  `{"ssid":"café"}`,
			want: Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None", SSIDLen: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(observation(t, tt.obs))
			if got != tt.want {
				t.Errorf("Extract() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	obs := observation(t, `{"ssid":"Linksys-5G","signal":-70,"channel":"36","security":"WPA3","vendor":"Linksys"}`)
	first := Extract(obs)
	for i := 0; i < 10; i++ {
		if got := Extract(obs); got != first {
			t.Fatalf("Extract changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestExtractRecordInvariants(t *testing.T) {
	inputs := []string{
		`{}`,
		`{"channel":"0"}`,
		`{"channel":"12abc","signal":"x","security":false}`,
		`{"ssid":"a-b_c@d","channel":165,"signal":-95}`,
		`{"ssid":12,"vendor":null}`,
	}
	for _, raw := range inputs {
		r := Extract(observation(t, raw))
		if r.Channel < 1 {
			t.Errorf("%s: channel %d < 1", raw, r.Channel)
		}
		if r.Security == "" || r.Vendor == "" {
			t.Errorf("%s: empty text feature in %+v", raw, r)
		}
		if r.SSIDLen < 0 {
			t.Errorf("%s: negative ssid length", raw)
		}
	}
}

func TestExtractAllPreservesOrder(t *testing.T) {
	batch := []scan.Observation{
		observation(t, `{"ssid":"one","signal":-10}`),
		observation(t, `{"ssid":"three","signal":-20}`),
		observation(t, `{}`),
	}

	got := ExtractAll(batch)
	if len(got) != len(batch) {
		t.Fatalf("got %d records, want %d", len(got), len(batch))
	}
	wantLen := []int{3, 5, 0}
	for i, r := range got {
		if r.SSIDLen != wantLen[i] {
			t.Errorf("record %d ssid_len = %d, want %d", i, r.SSIDLen, wantLen[i])
		}
	}
	if got[2].Signal != DefaultSignal {
		t.Errorf("record 2 signal = %d, want default", got[2].Signal)
	}
}

func TestSSID(t *testing.T) {
	tests := []struct {
		ssid        string
		wantLen     int
		wantSpecial bool
	}{
		{"", 0, false},
		{"HomeNetwork", 11, false},
		{"Free_WiFi", 9, true},
		{"Guest_Free", 10, true},
		{"Corp-Guest", 10, true},
		{"me@home", 7, true},
		{"Straße 5", 8, false},
		{strings.Repeat("x", 32), 32, false},
	}
	for _, tt := range tests {
		n, special := SSID(tt.ssid)
		if n != tt.wantLen || special != tt.wantSpecial {
			t.Errorf("SSID(%q) = %d, %v; want %d, %v", tt.ssid, n, special, tt.wantLen, tt.wantSpecial)
		}
	}
}
