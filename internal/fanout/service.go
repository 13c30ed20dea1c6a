// Package fanout relays room traffic between server instances so that every
// instance serving a document behaves as one logical room.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/scriptroom/backend/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Channel is one of the logical channels of a document.
type Channel string

const (
	ChannelUpdates   Channel = "updates"
	ChannelAwareness Channel = "awareness"
	ChannelJoin      Channel = "join"
	ChannelLeave     Channel = "leave"
)

var allChannels = []Channel{ChannelUpdates, ChannelAwareness, ChannelJoin, ChannelLeave}

const (
	// DefaultChannelPrefix namespaces channel names on a shared broker.
	DefaultChannelPrefix  = "scriptroom"
	defaultConnectTimeout = 10 * time.Second

	directionPublish = "publish"
	directionDeliver = "deliver"

	ModeDistributed    = "distributed"
	ModeSingleInstance = "single_instance"
)

var errBrokerClosed = errors.New("fanout: broker closed")

// Origin identifies the sender of a relayed message.
type Origin struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	UserName     string `json:"user_name,omitempty"`
}

// Envelope is the JSON body published on a channel.
type Envelope struct {
	InstanceID string `json:"instance_id"`
	Origin
	Payload []byte `json:"payload,omitempty"`
}

// Event is a message from another instance, delivered to subscribers.
type Event struct {
	DocumentID string
	Channel    Channel
	Envelope
}

// Callback receives events for a subscribed document. It runs on the
// listener goroutine and must not block.
type Callback func(Event)

// Subscription is a registered callback.
type Subscription struct {
	id         uint64
	documentID string
	callback   Callback
}

// DocumentID returns the subscribed document.
func (s *Subscription) DocumentID() string {
	return s.documentID
}

// Config describes a Service.
type Config struct {
	// Broker is nil in single-instance mode.
	Broker         Broker
	InstanceID     string
	ChannelPrefix  string
	ConnectTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Collab
}

// Service publishes local traffic and dispatches remote traffic to local
// subscribers. Without a broker every operation is a local no-op.
type Service struct {
	instanceID     string
	prefix         string
	connectTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Collab

	// transitions orders broker subscribe and unsubscribe calls against the
	// local registry changes that trigger them.
	transitions sync.Mutex

	mu            sync.RWMutex
	broker        Broker
	subscriptions map[string]map[uint64]*Subscription
	nextID        uint64
	cancel        context.CancelFunc
	listening     sync.WaitGroup
}

// NewService constructs a Service. Start must be called before remote
// traffic is delivered.
func NewService(cfg Config) *Service {
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		instanceID:     instanceID,
		prefix:         prefix,
		connectTimeout: connectTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		broker:         cfg.Broker,
		subscriptions:  make(map[string]map[uint64]*Subscription),
	}
}

// InstanceID identifies this process on the broker.
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Mode reports whether a broker is in use.
func (s *Service) Mode() string {
	if s.currentBroker() == nil {
		return ModeSingleInstance
	}
	return ModeDistributed
}

// Start verifies the broker with retries and launches the listener. An
// unreachable broker degrades the service to single-instance mode instead of
// failing startup.
func (s *Service) Start(ctx context.Context) error {
	broker := s.currentBroker()
	if broker == nil {
		s.logger.Info("fanout running in single-instance mode")
		return nil
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxElapsedTime = s.connectTimeout
	err := backoff.Retry(func() error {
		return broker.Ping(ctx)
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		s.logger.Warn("fanout broker unreachable, continuing in single-instance mode", zap.Error(err))
		_ = broker.Close()
		s.mu.Lock()
		s.broker = nil
		s.mu.Unlock()
		return nil
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	s.listening.Add(1)
	go s.listen(listenCtx, broker)
	s.logger.Info("fanout connected", zap.String("instance_id", s.instanceID))
	return nil
}

// Close stops the listener and releases the broker.
func (s *Service) Close() error {
	s.mu.Lock()
	broker := s.broker
	cancel := s.cancel
	s.broker = nil
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if broker != nil {
		err = broker.Close()
	}
	s.listening.Wait()
	return err
}

// PublishUpdate relays a document update frame.
func (s *Service) PublishUpdate(ctx context.Context, documentID string, origin Origin, frame []byte) error {
	return s.publish(ctx, documentID, ChannelUpdates, origin, frame)
}

// PublishAwareness relays an awareness frame.
func (s *Service) PublishAwareness(ctx context.Context, documentID string, origin Origin, frame []byte) error {
	return s.publish(ctx, documentID, ChannelAwareness, origin, frame)
}

// PublishJoin announces a participant.
func (s *Service) PublishJoin(ctx context.Context, documentID string, origin Origin) error {
	return s.publish(ctx, documentID, ChannelJoin, origin, nil)
}

// PublishLeave announces a departure.
func (s *Service) PublishLeave(ctx context.Context, documentID string, origin Origin) error {
	return s.publish(ctx, documentID, ChannelLeave, origin, nil)
}

func (s *Service) publish(ctx context.Context, documentID string, channel Channel, origin Origin, payload []byte) error {
	broker := s.currentBroker()
	if broker == nil {
		return nil
	}
	body, err := json.Marshal(Envelope{InstanceID: s.instanceID, Origin: origin, Payload: payload})
	if err != nil {
		return err
	}
	if err := broker.Publish(ctx, s.channelName(documentID, channel), body); err != nil {
		s.metrics.FanoutError(directionPublish)
		s.logger.Warn("fanout publish failed",
			zap.String("document_id", documentID),
			zap.String("channel", string(channel)),
			zap.Error(err))
		return err
	}
	s.metrics.FanoutMessage(directionPublish, string(channel))
	return nil
}

// Subscribe registers callback for all channels of the document. The first
// local subscription for a document subscribes on the broker.
func (s *Service) Subscribe(ctx context.Context, documentID string, callback Callback) (*Subscription, error) {
	s.transitions.Lock()
	defer s.transitions.Unlock()

	s.mu.Lock()
	s.nextID++
	subscription := &Subscription{id: s.nextID, documentID: documentID, callback: callback}
	registered, ok := s.subscriptions[documentID]
	if !ok {
		registered = make(map[uint64]*Subscription)
		s.subscriptions[documentID] = registered
	}
	registered[subscription.id] = subscription
	first := len(registered) == 1
	broker := s.broker
	s.mu.Unlock()

	if first && broker != nil {
		if err := broker.Subscribe(ctx, s.channelNames(documentID)...); err != nil {
			s.remove(subscription)
			return nil, fmt.Errorf("fanout subscribe %s: %w", documentID, err)
		}
	}
	return subscription, nil
}

// Unsubscribe removes the callback. The broker subscription is dropped once
// no local callback remains for the document.
func (s *Service) Unsubscribe(ctx context.Context, subscription *Subscription) error {
	if subscription == nil {
		return nil
	}
	s.transitions.Lock()
	defer s.transitions.Unlock()

	last := s.remove(subscription)
	broker := s.currentBroker()
	if last && broker != nil {
		return broker.Unsubscribe(ctx, s.channelNames(subscription.documentID)...)
	}
	return nil
}

// remove reports whether the document has no subscriptions left.
func (s *Service) remove(subscription *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	registered := s.subscriptions[subscription.documentID]
	if _, ok := registered[subscription.id]; !ok {
		return false
	}
	delete(registered, subscription.id)
	if len(registered) == 0 {
		delete(s.subscriptions, subscription.documentID)
		return true
	}
	return false
}

func (s *Service) listen(ctx context.Context, broker Broker) {
	defer s.listening.Done()
	messages := broker.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			s.dispatch(message)
		}
	}
}

func (s *Service) dispatch(message BrokerMessage) {
	documentID, channel, ok := s.parseChannel(message.Channel)
	if !ok {
		return
	}
	var envelope Envelope
	if err := json.Unmarshal(message.Payload, &envelope); err != nil {
		s.metrics.FanoutError(directionDeliver)
		s.logger.Warn("fanout envelope rejected", zap.String("channel", message.Channel), zap.Error(err))
		return
	}
	if envelope.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	registered := s.subscriptions[documentID]
	callbacks := make([]Callback, 0, len(registered))
	for _, subscription := range registered {
		callbacks = append(callbacks, subscription.callback)
	}
	s.mu.RUnlock()

	event := Event{DocumentID: documentID, Channel: channel, Envelope: envelope}
	for _, callback := range callbacks {
		s.invoke(callback, event)
	}
	s.metrics.FanoutMessage(directionDeliver, string(channel))
}

func (s *Service) invoke(callback Callback, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.metrics.FanoutError(directionDeliver)
			s.logger.Error("fanout callback panicked",
				zap.String("document_id", event.DocumentID),
				zap.String("channel", string(event.Channel)),
				zap.Any("panic", recovered))
		}
	}()
	callback(event)
}

func (s *Service) currentBroker() Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broker
}

func (s *Service) channelName(documentID string, channel Channel) string {
	return s.prefix + ":doc:" + documentID + ":" + string(channel)
}

func (s *Service) channelNames(documentID string) []string {
	names := make([]string, 0, len(allChannels))
	for _, channel := range allChannels {
		names = append(names, s.channelName(documentID, channel))
	}
	return names
}

func (s *Service) parseChannel(name string) (string, Channel, bool) {
	rest, ok := strings.CutPrefix(name, s.prefix+":doc:")
	if !ok {
		return "", "", false
	}
	separator := strings.LastIndex(rest, ":")
	if separator <= 0 {
		return "", "", false
	}
	channel := Channel(rest[separator+1:])
	switch channel {
	case ChannelUpdates, ChannelAwareness, ChannelJoin, ChannelLeave:
		return rest[:separator], channel, true
	default:
		return "", "", false
	}
}
