package messaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"casework/internal/config"
	"casework/internal/domain"
)

// Bus is the outbound transport for committed case events. Delivery is
// at-least-once; consumers deduplicate on event instance id.
type Bus interface {
	Publish(ctx context.Context, candidate domain.MessageCandidate) error
}

// Publisher drains candidate messages in bounded batches and sweeps published
// rows past the retention window.
type Publisher struct {
	Store  Store
	Bus    Bus
	Config config.MessagingConfig
	Now    func() time.Time
}

func (p Publisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run publishes on a fixed interval until the context is cancelled.
func (p Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Config.Interval.Std())
	defer ticker.Stop()
	for {
		if _, err := p.PublishPending(ctx); err != nil {
			log.Printf("messaging: publish cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PublishPending drains the queue: batches repeat until one comes back short
// (drained) or no row in a batch could be claimed or sent. A failed row does
// not block the rest of its batch; it is released for the next cycle.
func (p Publisher) PublishPending(ctx context.Context) (int, error) {
	totalPublished := 0
	for {
		claimed, fetched, err := p.Store.ClaimBatch(ctx, p.Config.MessageType, p.Config.BatchSize)
		if err != nil {
			return totalPublished, err
		}
		if fetched == 0 {
			break
		}
		if len(claimed) == 0 {
			// another publisher instance holds the whole batch
			break
		}

		var publishedIDs, failedIDs []int64
		for _, candidate := range claimed {
			if err := p.Bus.Publish(ctx, candidate); err != nil {
				log.Printf("messaging: candidate %d for case %s failed: %v", candidate.ID, candidate.CaseReference, err)
				failedIDs = append(failedIDs, candidate.ID)
				continue
			}
			publishedIDs = append(publishedIDs, candidate.ID)
		}
		if err := p.Store.MarkPublished(ctx, publishedIDs, p.now()); err != nil {
			return totalPublished, err
		}
		if err := p.Store.Release(ctx, failedIDs); err != nil {
			return totalPublished, err
		}
		totalPublished += len(publishedIDs)

		if len(publishedIDs) == 0 {
			log.Printf("messaging: no candidates published in current batch, aborting run")
			break
		}
		if fetched < p.Config.BatchSize {
			break
		}
	}

	if p.Config.RetentionDays > 0 {
		cutoff := p.now().AddDate(0, 0, -p.Config.RetentionDays)
		removed, err := p.Store.DeletePublishedBefore(ctx, p.Config.MessageType, cutoff)
		if err != nil {
			return totalPublished, err
		}
		if removed > 0 {
			log.Printf("messaging: swept %d published candidates older than %s", removed, cutoff.UTC().Format(time.RFC3339))
		}
	}
	return totalPublished, nil
}

const defaultBusTimeout = 10 * time.Second

// HTTPBus posts the message information block to a configured destination.
type HTTPBus struct {
	Destination string
	HTTP        *http.Client
}

func NewHTTPBus(destination string) *HTTPBus {
	return &HTTPBus{
		Destination: destination,
		HTTP:        &http.Client{Timeout: defaultBusTimeout},
	}
}

func (b *HTTPBus) Publish(ctx context.Context, candidate domain.MessageCandidate) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Destination, bytes.NewReader(candidate.Information))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Casework-Message-Type", candidate.MessageType)
	req.Header.Set("X-Casework-Reference", candidate.CaseReference)
	res, err := b.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
