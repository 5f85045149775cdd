// Command apguard-probe posts a two-network sample batch to a running
// apguard service and prints the answer.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/shortontech/apguard/internal/scan"
)

func main() {
	url := flag.String("url", "http://localhost:8000/predict", "predict endpoint")
	agent := flag.String("agent", "test_agent", "agent id to report")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	if err := probe(&http.Client{Timeout: *timeout}, *url, *agent, os.Stdout); err != nil {
		log.Fatalf("apguard-probe: %v", err)
	}
}

func sampleRequest(agentID string, now time.Time) scan.PredictRequest {
	if agentID == "" {
		agentID = "probe-" + uuid.New().String()[:8]
	}
	obs := func(ssid, bssid string, signal, channel int, security, vendor string) scan.Observation {
		return scan.Observation{
			SSID:     scan.NewField(ssid),
			BSSID:    scan.NewField(bssid),
			Signal:   scan.NewField(signal),
			Channel:  scan.NewField(channel),
			Security: scan.NewField(security),
			Vendor:   scan.NewField(vendor),
		}
	}
	return scan.PredictRequest{
		AgentID:   agentID,
		Timestamp: float64(now.UnixNano()) / float64(time.Second),
		Scans: []scan.Observation{
			obs("Home-1", "aa:bb:cc:dd:ee:ff", -40, 6, "WPA2", "TP-Link"),
			obs("Guest_Free", "11:22:33:44:55:66", -45, 11, "OPEN", "None"),
		},
	}
}

func probe(client *http.Client, url, agentID string, out io.Writer) error {
	payload, err := json.Marshal(sampleRequest(agentID, time.Now()))
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	fmt.Fprintln(out, resp.StatusCode)

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	return nil
}
