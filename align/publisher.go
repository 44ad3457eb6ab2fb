package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher manages publishing alignment records to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	records       map[string]*FrameRecord
	mu            sync.RWMutex
}

// NewPublisher creates a new transform publisher.
// Prefix priority: MQTT_PUBLISH_PREFIX env var, then configPrefix, then "framefit".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, configPrefix string) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = configPrefix
	}
	if prefix == "" {
		prefix = "framefit"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for transform updates (fire and forget)
		retain:        true, // Retain so late subscribers see the latest transform
		records:       make(map[string]*FrameRecord),
	}
}

// PublishRecord publishes a frame's alignment record to MQTT.
// Publishes to both the per-frame topic and the combined transforms topic.
func (p *Publisher) PublishRecord(rec *FrameRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	if rec == nil || rec.Frame == "" {
		return fmt.Errorf("record has no frame id")
	}
	if rec.AlignedAt == 0 {
		rec.AlignedAt = time.Now().Unix()
	}

	// Store record for the combined message
	p.mu.Lock()
	p.records[rec.Frame] = rec
	p.mu.Unlock()

	// Publish to individual topic: framefit/{frame}/transform
	if err := p.publishIndividual(rec); err != nil {
		log.Printf("Error publishing transform for %s: %v", rec.Frame, err)
		return err
	}

	// Publish to combined topic: framefit/transforms
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined transforms: %v", err)
		return err
	}

	return nil
}

// PublishAlignment builds a record from an alignment result and publishes it.
// This is a convenience function for one-shot callers
func (p *Publisher) PublishAlignment(frameID, reference string, result *AlignmentResult) error {
	if result == nil {
		return fmt.Errorf("nil alignment result")
	}

	rec := &FrameRecord{
		Frame:         frameID,
		Reference:     reference,
		Transform:     result.Transform,
		RMSE:          result.RMSE(),
		LandmarkCount: len(result.Transformed),
		AlignedAt:     time.Now().Unix(),
	}
	if angle, ok := result.Transform.AngleDegrees(); ok {
		rec.AngleDegrees = &angle
	}

	return p.PublishRecord(rec)
}

// publishIndividual publishes a single frame's record to its own topic
func (p *Publisher) publishIndividual(rec *FrameRecord) error {
	topic := fmt.Sprintf("%s/%s/transform", p.publishPrefix, rec.Frame)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published transform for %s: scale=%.4f rmse=%.4f",
		rec.Frame, rec.Transform.Scale, rec.RMSE)
	return nil
}

// publishCombined publishes all frame records to the combined topic
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	records := make(map[string]*FrameRecord, len(p.records))
	for id, rec := range p.records {
		records[id] = rec
	}
	p.mu.RUnlock()

	if len(records) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/transforms", p.publishPrefix)

	// Create combined message
	message := map[string]interface{}{
		"frames":    records,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined transforms: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetRecord returns the last published record for a frame
func (p *Publisher) GetRecord(frameID string) (*FrameRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[frameID]
	return rec, ok
}

// GetAllRecords returns all published frame records
func (p *Publisher) GetAllRecords() map[string]*FrameRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	records := make(map[string]*FrameRecord, len(p.records))
	for id, rec := range p.records {
		recCopy := *rec
		records[id] = &recCopy
	}
	return records
}

// ClearRecord removes a frame's record (e.g., when the frame goes away)
func (p *Publisher) ClearRecord(frameID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, frameID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Prefix returns the configured topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}
