package paho

import (
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err        error
	done       chan struct{}
	once       sync.Once
	returnCode byte
	result     map[string]byte
}

func NewMockToken() *MockToken {
	return &MockToken{
		done: make(chan struct{}),
	}
}

// completedToken returns a token that is already done
func completedToken(err error) *MockToken {
	t := NewMockToken()
	t.complete(err)
	return t
}

func (t *MockToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *MockToken) Wait() bool                       { <-t.done; return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }
func (t *MockToken) ReturnCode() byte                 { return t.returnCode }
func (t *MockToken) Result() map[string]byte          { return t.result }

// MockClient implements mqtt.Client for testing
type MockClient struct {
	mu            sync.Mutex
	opts          *mqtt.ClientOptions
	connectToken  *MockToken
	publishFunc   func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	subscribeFunc func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	unsubscribed  []string
	disconnects   int
}

func NewMockClient(opts *mqtt.ClientOptions) *MockClient {
	return &MockClient{
		opts:         opts,
		connectToken: completedToken(nil),
		publishFunc: func(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
			return completedToken(nil)
		},
		subscribeFunc: func(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
			t := completedToken(nil)
			t.result = map[string]byte{topic: qos}
			return t
		},
	}
}

func (m *MockClient) Connect() mqtt.Token { return m.connectToken }
func (m *MockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}
func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.publishFunc(topic, qos, retained, payload)
}
func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.subscribeFunc(topic, qos, callback)
}
func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return completedToken(nil)
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	return completedToken(nil)
}
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                   { return true }
func (m *MockClient) IsConnectionOpen() bool                              { return true }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.NewOptionsReader(m.opts)
}

func (m *MockClient) Disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// deliver pushes a message through the default publish handler
func (m *MockClient) deliver(msg mqtt.Message) {
	m.opts.DefaultPublishHandler(m, msg)
}

// lose reports a dropped connection
func (m *MockClient) lose() {
	m.opts.OnConnectionLost(m, errors.New("EOF"))
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	id       uint16
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return m.qos }
func (m *MockMessage) Retained() bool    { return m.retained }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return m.id }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              {}
