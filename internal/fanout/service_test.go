package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) record(event Event) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func startService(t *testing.T, broker Broker, instanceID string) *Service {
	t.Helper()
	service := NewService(Config{Broker: broker, InstanceID: instanceID, ConnectTimeout: 200 * time.Millisecond})
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() { _ = service.Close() })
	return service
}

type unreachableBroker struct {
	*MemoryBroker
	pings int
}

func (b *unreachableBroker) Ping(context.Context) error {
	b.pings++
	return errors.New("connection refused")
}

func TestRemoteUpdatesReachSubscribersWithoutEcho(t *testing.T) {
	hub := NewMemoryHub()
	first := startService(t, hub.NewBroker(), "instance-a")
	second := startService(t, hub.NewBroker(), "instance-b")

	var atFirst, atSecond eventSink
	_, err := first.Subscribe(context.Background(), "doc-1", atFirst.record)
	require.NoError(t, err)
	_, err = second.Subscribe(context.Background(), "doc-1", atSecond.record)
	require.NoError(t, err)

	origin := Origin{ConnectionID: "conn-1", UserID: "user-1", UserName: "Ada"}
	require.NoError(t, second.PublishUpdate(context.Background(), "doc-1", origin, []byte{0, 2, 1, 0}))

	require.Eventually(t, func() bool { return len(atFirst.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	event := atFirst.snapshot()[0]
	assert.Equal(t, "doc-1", event.DocumentID)
	assert.Equal(t, ChannelUpdates, event.Channel)
	assert.Equal(t, "instance-b", event.InstanceID)
	assert.Equal(t, origin, event.Origin)
	assert.Equal(t, []byte{0, 2, 1, 0}, event.Payload)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, atSecond.snapshot(), "an instance must not receive its own publications")
}

func TestAllChannelsAreRelayed(t *testing.T) {
	hub := NewMemoryHub()
	receiver := startService(t, hub.NewBroker(), "instance-a")
	sender := startService(t, hub.NewBroker(), "instance-b")

	var sink eventSink
	_, err := receiver.Subscribe(context.Background(), "doc:with:colons", sink.record)
	require.NoError(t, err)

	origin := Origin{ConnectionID: "conn-9", UserID: "user-9"}
	ctx := context.Background()
	require.NoError(t, sender.PublishJoin(ctx, "doc:with:colons", origin))
	require.NoError(t, sender.PublishAwareness(ctx, "doc:with:colons", origin, []byte{1, 1, 0}))
	require.NoError(t, sender.PublishLeave(ctx, "doc:with:colons", origin))

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	channels := []Channel{}
	for _, event := range sink.snapshot() {
		assert.Equal(t, "doc:with:colons", event.DocumentID)
		channels = append(channels, event.Channel)
	}
	assert.Equal(t, []Channel{ChannelJoin, ChannelAwareness, ChannelLeave}, channels)
}

func TestUnsubscribeDropsBrokerSubscriptionWithLastCallback(t *testing.T) {
	hub := NewMemoryHub()
	broker := hub.NewBroker()
	service := startService(t, broker, "instance-a")
	channel := DefaultChannelPrefix + ":doc:doc-1:updates"

	first, err := service.Subscribe(context.Background(), "doc-1", func(Event) {})
	require.NoError(t, err)
	second, err := service.Subscribe(context.Background(), "doc-1", func(Event) {})
	require.NoError(t, err)
	assert.True(t, broker.Subscribed(channel))

	require.NoError(t, service.Unsubscribe(context.Background(), first))
	assert.True(t, broker.Subscribed(channel), "one callback remains")
	require.NoError(t, service.Unsubscribe(context.Background(), second))
	assert.False(t, broker.Subscribed(channel))
	require.NoError(t, service.Unsubscribe(context.Background(), second))
}

type gatedBroker struct {
	*MemoryBroker
	entered chan struct{}
	release chan struct{}
}

func (b *gatedBroker) Unsubscribe(ctx context.Context, channels ...string) error {
	close(b.entered)
	<-b.release
	return b.MemoryBroker.Unsubscribe(ctx, channels...)
}

func TestResubscribeDuringUnsubscribeKeepsBrokerSubscription(t *testing.T) {
	hub := NewMemoryHub()
	broker := &gatedBroker{MemoryBroker: hub.NewBroker(), entered: make(chan struct{}), release: make(chan struct{})}
	receiver := startService(t, broker, "instance-a")
	sender := startService(t, hub.NewBroker(), "instance-b")
	channel := DefaultChannelPrefix + ":doc:doc-1:updates"

	leaving, err := receiver.Subscribe(context.Background(), "doc-1", func(Event) {})
	require.NoError(t, err)

	unsubscribed := make(chan error, 1)
	go func() { unsubscribed <- receiver.Unsubscribe(context.Background(), leaving) }()
	<-broker.entered

	var sink eventSink
	subscribed := make(chan error, 1)
	go func() {
		_, err := receiver.Subscribe(context.Background(), "doc-1", sink.record)
		subscribed <- err
	}()
	close(broker.release)
	require.NoError(t, <-unsubscribed)
	require.NoError(t, <-subscribed)

	assert.True(t, broker.Subscribed(channel))
	require.NoError(t, sender.PublishUpdate(context.Background(), "doc-1", Origin{ConnectionID: "conn-2"}, []byte{0, 2, 1, 0}))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPanickingCallbackDoesNotStopOthers(t *testing.T) {
	hub := NewMemoryHub()
	receiver := startService(t, hub.NewBroker(), "instance-a")
	sender := startService(t, hub.NewBroker(), "instance-b")

	var sink eventSink
	_, err := receiver.Subscribe(context.Background(), "doc-1", func(Event) { panic("boom") })
	require.NoError(t, err)
	_, err = receiver.Subscribe(context.Background(), "doc-1", sink.record)
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		require.NoError(t, sender.PublishUpdate(context.Background(), "doc-1", Origin{ConnectionID: "c"}, []byte{byte(round)}))
	}
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSingleInstanceModeWithoutBroker(t *testing.T) {
	service := NewService(Config{})
	require.NoError(t, service.Start(context.Background()))
	assert.Equal(t, ModeSingleInstance, service.Mode())
	assert.NotEmpty(t, service.InstanceID())

	subscription, err := service.Subscribe(context.Background(), "doc-1", func(Event) {})
	require.NoError(t, err)
	assert.NoError(t, service.PublishUpdate(context.Background(), "doc-1", Origin{}, []byte{1}))
	assert.NoError(t, service.Unsubscribe(context.Background(), subscription))
	assert.NoError(t, service.Close())
}

func TestUnreachableBrokerDegradesToSingleInstance(t *testing.T) {
	broker := &unreachableBroker{MemoryBroker: NewMemoryHub().NewBroker()}
	service := NewService(Config{Broker: broker, ConnectTimeout: 150 * time.Millisecond})

	require.NoError(t, service.Start(context.Background()))
	assert.Equal(t, ModeSingleInstance, service.Mode())
	assert.GreaterOrEqual(t, broker.pings, 1)
	assert.NoError(t, service.PublishUpdate(context.Background(), "doc-1", Origin{}, []byte{1}))
}

func TestParseChannelRejectsForeignNames(t *testing.T) {
	service := NewService(Config{ChannelPrefix: "room"})
	documentID, channel, ok := service.parseChannel("room:doc:abc:awareness")
	require.True(t, ok)
	assert.Equal(t, "abc", documentID)
	assert.Equal(t, ChannelAwareness, channel)

	for _, name := range []string{"other:doc:abc:updates", "room:doc::updates", "room:doc:abc:unknown", "room:doc:abc"} {
		_, _, ok := service.parseChannel(name)
		assert.False(t, ok, name)
	}
}
