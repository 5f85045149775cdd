package training

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shortontech/apguard/internal/features"
	"github.com/shortontech/apguard/internal/gbdt"
	"github.com/shortontech/apguard/internal/model"
)

// dataset builds a CSV where open, specially-named networks are fake.
func dataset(n int) string {
	var b strings.Builder
	b.WriteString("ssid,bssid,signal,channel,security,vendor,is_fake\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Home%d,aa:bb:cc:00:00:%02x,%d,%d,WPA2,Netgear,0\n", i, i%256, -60-i%20, 1+i%11)
		fmt.Fprintf(&b, "Free_WiFi_%d,11:22:33:00:00:%02x,%d,6,OPEN,Unknown,1\n", i, i%256, -30-i%10)
	}
	return b.String()
}

func TestReadCSV(t *testing.T) {
	csv := "ssid,signal,channel,security,vendor,is_fake\n" +
		"Guest_Free,-45,11,OPEN,None,1\n" +
		"Home-1,-40,6,WPA2,TP-Link,0\n" +
		"Cafe,,auto,,,false\n"

	samples, err := ReadCSV(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}

	want := []Sample{
		{Record: features.Record{Signal: -45, Channel: 11, Security: "OPEN", Vendor: "None", SSIDLen: 10, SSIDHasSpecial: true}, IsFake: true},
		{Record: features.Record{Signal: -40, Channel: 6, Security: "WPA2", Vendor: "TP-Link", SSIDLen: 6, SSIDHasSpecial: true}, IsFake: false},
		{Record: features.Record{Signal: -80, Channel: 1, Security: "OPEN", Vendor: "None", SSIDLen: 4}, IsFake: false},
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %+v, want %+v", i, samples[i], want[i])
		}
	}
}

func TestReadCSVErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
	}{
		{name: "empty input", csv: ""},
		{name: "missing label column", csv: "ssid,signal,channel,security,vendor\nx,-1,1,OPEN,None\n"},
		{name: "bad label", csv: "ssid,signal,channel,security,vendor,is_fake\nx,-1,1,OPEN,None,maybe\n"},
		{name: "header only", csv: "ssid,signal,channel,security,vendor,is_fake\n"},
		{name: "short row", csv: "ssid,signal,channel,security,vendor,is_fake\nx,-1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadCSV(strings.NewReader(tt.csv)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSplit(t *testing.T) {
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{Record: features.Record{Signal: -i}}
	}

	train, test := Split(samples, 0.2, 42)
	if len(train) != 8 || len(test) != 2 {
		t.Fatalf("split = %d/%d, want 8/2", len(train), len(test))
	}

	train2, test2 := Split(samples, 0.2, 42)
	for i := range test {
		if test[i] != test2[i] {
			t.Fatal("split is not deterministic for a fixed seed")
		}
	}
	if len(train2) != len(train) {
		t.Fatal("train size changed between runs")
	}

	seen := map[int]bool{}
	for _, s := range append(train, test...) {
		seen[s.Record.Signal] = true
	}
	if len(seen) != 10 {
		t.Errorf("split lost or duplicated samples: %d distinct", len(seen))
	}

	all, none := Split(samples, 0, 42)
	if len(all) != 10 || none != nil {
		t.Errorf("zero test size split = %d/%d", len(all), len(none))
	}
}

func TestTrainAndSave(t *testing.T) {
	samples, err := ReadCSV(strings.NewReader(dataset(40)))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	opts := DefaultOptions()
	opts.Boosting = gbdt.Options{NEstimators: 25, LearningRate: 0.2, MaxDepth: 2, MinSamplesLeaf: 1}
	res, err := Train(samples, opts)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if res.TrainSize != 64 || res.TestSize != 16 {
		t.Errorf("split = %d/%d, want 64/16", res.TrainSize, res.TestSize)
	}
	if res.TestScore < 0.9 {
		t.Errorf("test score = %v on a separable dataset", res.TestScore)
	}

	path := filepath.Join(t.TempDir(), "model.json")
	if err := res.Classifier.Save(path, &res.TestScore); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := model.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	score, err := Accuracy(loaded, samples)
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if score < 0.9 {
		t.Errorf("reloaded accuracy = %v", score)
	}
}

func TestTrainSingleClassFails(t *testing.T) {
	samples := []Sample{
		{Record: features.Record{Signal: -40, Channel: 1, Security: "OPEN", Vendor: "None"}},
		{Record: features.Record{Signal: -50, Channel: 1, Security: "OPEN", Vendor: "None"}},
		{Record: features.Record{Signal: -60, Channel: 1, Security: "OPEN", Vendor: "None"}},
	}
	if _, err := Train(samples, DefaultOptions()); err == nil {
		t.Error("expected error for single-class data")
	}
}
