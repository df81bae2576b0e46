package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/paysentinel/backend/internal/core"
)

// payload is the body delivered to subscribers.
type payload struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Incident  *core.Incident `json:"incident"`
}

// Dispatcher delivers incident events to registered subscribers through a
// background worker pool.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	body       []byte
	eventID    string
	eventType  EventType
	attempt    int
}

func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit fans the incident out to every matching subscriber. A full queue
// drops the delivery; webhooks are informational, not the system of record.
func (d *Dispatcher) Emit(eventType EventType, inc *core.Incident) {
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	evt := &payload{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Incident:  inc,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		d.logger.Printf("❌ Marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		if sub.MerchantID != "" && !strings.HasPrefix(string(inc.Dimension), sub.MerchantID+"/") {
			continue
		}
		job := &deliveryJob{subscriber: sub, body: body, eventID: evt.ID, eventType: eventType, attempt: 1}
		select {
		case d.queue <- job:
		default:
			d.logger.Printf("⚠️  Webhook queue full, dropping event %s for %s", evt.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest("POST", job.subscriber.URL, bytes.NewReader(job.body))
	if err != nil {
		d.logger.Printf("❌ Build webhook request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentinel-Event-Type", string(job.eventType))
	req.Header.Set("X-Sentinel-Event-ID", job.eventID)
	req.Header.Set("X-Sentinel-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-Sentinel-Signature", "sha256="+SignPayload(job.body, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.subscriber.URL, err)
		d.retry(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.eventType)
		d.retry(job)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
	d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.eventType, job.subscriber.URL, job.eventID)
}

// retry requeues with quadratic backoff, up to 3 attempts, then marks the
// subscriber failed.
func (d *Dispatcher) retry(job *deliveryJob) {
	d.registry.MarkFailed(job.subscriber.ID)
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and waits for in-flight deliveries.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}
