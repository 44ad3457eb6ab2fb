package align

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MessageHandler is called when a landmark message is received.
// Parameters: frameID, rawPayload, landmark set, error.
// rawPayload is provided so callers can inspect payloads that failed to decode.
type MessageHandler func(frameID string, rawPayload []byte, set *LandmarkSet, err error)

// MQTTClient manages the MQTT connection and per-frame landmark subscriptions.
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	isConnected    bool
	mu             sync.RWMutex
}

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration.
// If neither MQTT_BROKER nor config.mqtt.broker is set, MQTT is disabled and
// this returns nil.
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	// Check if MQTT is enabled via env var or config
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Frames) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no frame configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	// Build MQTT client options
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	// Client ID
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "framefit"
	}
	opts.SetClientID(clientID)

	// Authentication
	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)   // Longer than default 30s to reduce spurious disconnects
	opts.SetPingTimeout(10 * time.Second) // Timeout for ping response
	opts.SetCleanSession(false)           // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)           // Allow concurrent processing

	// Callbacks
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	// Connect asynchronously with retry
	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		// Exponential backoff
		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to frame topics...")
	c.setConnected(true)

	// Subscribe to all frame topics from config
	for _, frame := range c.config.Frames {
		if frame.Topic == "" {
			log.Printf("Warning: frame %s has no topic configured", frame.ID)
			continue
		}

		log.Printf("Subscribing to %s for frame %s", frame.Topic, frame.ID)
		token := client.Subscribe(frame.Topic, 0, c.createMessageHandler(frame.ID))

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", frame.Topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", frame.Topic)
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler creates a handler function for a specific frame's topic
func (c *MQTTClient) createMessageHandler(frameID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received landmarks for %s (topic: %s, size: %d bytes)",
			frameID, msg.Topic(), len(payload))

		// Decode the payload (handles raw JSON, GeoJSON, or gzip-compressed JSON)
		set, err := DecodeLandmarkPayload(payload, frameID)
		if err != nil {
			log.Printf("Error decoding landmarks for %s: %v", frameID, err)
			if c.messageHandler != nil {
				// Pass raw payload so caller can inspect the bad message
				c.messageHandler(frameID, payload, nil, err)
			}
			return
		}

		// Call the user's message handler with raw payload and decoded set
		if c.messageHandler != nil {
			c.messageHandler(frameID, payload, set, nil)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetFrameByTopic returns the frame ID for a given topic
func (c *MQTTClient) GetFrameByTopic(topic string) (string, bool) {
	for _, frame := range c.config.Frames {
		if frame.Topic == topic {
			return frame.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
