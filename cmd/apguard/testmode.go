package main

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/apguard/internal/inference"
	"github.com/shortontech/apguard/internal/scan"
)

type testScan struct {
	obs        scan.Observation
	isFake     bool
	confidence float64
}

func observation(ssid, bssid, signal, channel, security, vendor any) scan.Observation {
	return scan.Observation{
		SSID:     scan.NewField(ssid),
		BSSID:    scan.NewField(bssid),
		Signal:   scan.NewField(signal),
		Channel:  scan.NewField(channel),
		Security: scan.NewField(security),
		Vendor:   scan.NewField(vendor),
	}
}

// generateTestDetections creates sample detections for testing sinks
func generateTestDetections() []scan.DetectionEvent {
	now := time.Now().UTC()
	agentID := "test-agent-" + uuid.New().String()[:8]

	scans := []testScan{
		{obs: observation("Home-1", "aa:bb:cc:dd:ee:ff", -40, 6, "WPA2", "TP-Link"), isFake: false, confidence: 0.087},
		{obs: observation("Guest_Free", "11:22:33:44:55:66", -45, 11, "OPEN", "None"), isFake: true, confidence: 0.912},
		{obs: observation("Starbucks WiFi", "de:ad:be:ef:00:01", -71, 1, "OPEN", "Cisco"), isFake: false, confidence: 0.402},
		{obs: observation("Free@Airport", "02:00:00:00:00:07", -30, "6", nil, nil), isFake: true, confidence: 0.998},
		{obs: observation(nil, nil, "weak", 0, "", 42), isFake: false, confidence: 0.5},
	}

	events := make([]scan.DetectionEvent, 0, len(scans))
	for i, s := range scans {
		events = append(events, scan.DetectionEvent{
			EventID:     uuid.New().String(),
			TS:          now.Add(time.Duration(i) * time.Second).Format(time.RFC3339),
			AgentID:     agentID,
			AgentTS:     float64(now.Unix()),
			ModelLoaded: true,
			State:       inference.StateScored.String(),
			Detection:   scan.NewDetection(s.obs, s.isFake, s.confidence),
		})
	}
	return events
}

// runTestMode generates and sends test detections
func runTestMode(emitFn func(scan.DetectionEvent)) {
	log.Println("TEST MODE: generating sample detections...")

	events := generateTestDetections()

	for i, e := range events {
		log.Printf("Sending test detection %d/%d: ssid=%s fake=%v (%s)",
			i+1, len(events), e.Detection.SSID.Text(), e.Detection.IsFake, e.EventID)
		emitFn(e)

		if i < len(events)-1 {
			time.Sleep(200 * time.Millisecond)
		}
	}

	log.Println("TEST MODE: all sample detections sent")
	log.Println("Check your sinks:")
	log.Println("   - Log file: tail -f detections.ndjson")
	log.Println("   - SQLite: sqlite3 detections.db 'select ssid, is_fake from detections'")
	log.Println("   - PostgreSQL: select payload from detections_json order by ts desc")
}
