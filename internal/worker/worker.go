package worker

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// QueueName carries subsidy activations and verification milestones for push
// delivery.
const QueueName = "push_events"

// Queue is the blocking pop side of the push-event queue.
type Queue interface {
	Dequeue(ctx context.Context, queueName string) (string, error)
}

// Worker drains the push queue and forwards events to the delivery webhook.
// Delivery is fire-and-forget: bounded retries, then the event is dropped.
type Worker struct {
	Queue      Queue
	WebhookURL string
	MaxRetries int
	client     *http.Client
}

func New(q Queue, webhookURL string) *Worker {
	return &Worker{
		Queue:      q,
		WebhookURL: webhookURL,
		MaxRetries: 3,
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Start runs the drain loop until ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	log.Println("Starting push delivery worker...")
	for {
		select {
		case <-ctx.Done():
			log.Println("Push worker stopped")
			return
		default:
			// Dequeue blocks until a task arrives; a canceled context
			// surfaces as an error from the Redis client.
			payload, err := w.Queue.Dequeue(ctx, QueueName)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Push worker dequeue error: %v", err)
				time.Sleep(1 * time.Second)
				continue
			}
			go w.deliver(payload)
		}
	}
}

func (w *Worker) deliver(data string) {
	for i := 0; i < w.MaxRetries; i++ {
		err := w.post(data)
		if err == nil {
			return
		}
		log.Printf("Push delivery failed (attempt %d/%d): %v", i+1, w.MaxRetries, err)
		time.Sleep(time.Duration(2*i+1) * time.Second)
	}
	log.Printf("Dropping undeliverable push event: %s", data)
}

func (w *Worker) post(data string) error {
	req, err := http.NewRequest(http.MethodPost, w.WebhookURL, bytes.NewBufferString(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push endpoint returned status: %d", resp.StatusCode)
	}
	return nil
}
