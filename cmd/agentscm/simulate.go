package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentscm/pkg/delivery"
)

// runSimulate plays an IoT gateway: it posts a delivery event for one
// shipment, or cycles through the catalog on an interval.
func runSimulate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		serverURL  string
		apiKey     string
		catalog    string
		shipmentID string
		interval   time.Duration
		count      int
		excursion  bool
	)
	cmd.StringVar(&serverURL, "server", "http://localhost:8000", "Settlement API base URL")
	cmd.StringVar(&apiKey, "api-key", os.Getenv("BACKEND_API_KEY"), "Value for the X-API-Key header")
	cmd.StringVar(&catalog, "catalog", os.Getenv("AGENTSCM_CATALOG"), "Shipment catalog (YAML or JSON)")
	cmd.StringVar(&shipmentID, "shipment", "", "Emit one event for this shipment and exit")
	cmd.DurationVar(&interval, "interval", 30*time.Second, "Delay between events in loop mode")
	cmd.IntVar(&count, "count", 0, "Stop after this many events in loop mode (0 = until interrupted)")
	cmd.BoolVar(&excursion, "excursion", false, "Report a temperature excursion")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if catalog == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --catalog (or AGENTSCM_CATALOG) is required")
		return 2
	}

	cat, err := delivery.LoadCatalog(catalog)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	em := &emitter{
		url:       strings.TrimRight(serverURL, "/") + "/events",
		apiKey:    apiKey,
		client:    &http.Client{Timeout: 60 * time.Second},
		excursion: excursion,
		out:       stdout,
	}

	if shipmentID != "" {
		s, ok := cat.Shipment(shipmentID)
		if !ok {
			_, _ = fmt.Fprintf(stderr, "Shipment not found: %s\n", shipmentID)
			return 1
		}
		if err := em.emit(ctx, s); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error sending event: %v\n", err)
			return 1
		}
		return 0
	}

	shipments := cat.All()
	if len(shipments) == 0 {
		_, _ = fmt.Fprintln(stderr, "Catalog is empty")
		return 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; count == 0 || i < count; i++ {
		if err := em.emit(ctx, shipments[i%len(shipments)]); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error sending event: %v\n", err)
		}
		if count != 0 && i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
		}
	}
	return 0
}

type emitter struct {
	url       string
	apiKey    string
	client    *http.Client
	excursion bool
	out       io.Writer
}

func (e *emitter) emit(ctx context.Context, s delivery.Shipment) error {
	ev := s.DeliveryEvent(time.Now())
	if e.excursion {
		ev.TemperatureOK = delivery.Bool(false)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("X-API-Key", e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	reply, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.out, "%s %s -> %d %s\n", ev.ShipmentID, ev.EventType, resp.StatusCode, bytes.TrimSpace(reply))
	return nil
}
