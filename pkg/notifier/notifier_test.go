package notifier_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/orchestrator/pkg/broker"
	"github.com/relayhq/orchestrator/pkg/notifier"
)

type fakeMessaging struct {
	mu       sync.Mutex
	channel  string
	messages []string
	sendErr  error
}

func (f *fakeMessaging) CreateChannel(ctx context.Context, name, description string) error { return nil }
func (f *fakeMessaging) JoinChannel(ctx context.Context, name string) error                { return nil }
func (f *fakeMessaging) InviteToChannel(ctx context.Context, channel, agent string) error   { return nil }
func (f *fakeMessaging) RegisterExternalAgent(ctx context.Context, name, description string) error {
	return nil
}
func (f *fakeMessaging) StartHeartbeat(ctx context.Context, client string) (func(), error) {
	return func() {}, nil
}

func (f *fakeMessaging) SendToChannel(ctx context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.messages = append(f.messages, text)
	return f.sendErr
}

func (f *fakeMessaging) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	copy(out, f.messages)
	return out
}

var _ broker.Messaging = (*fakeMessaging)(nil)

func TestPost_SingleChunkSendsOneMessage(t *testing.T) {
	m := &fakeMessaging{}
	n := notifier.New(m, "#relay-runs", nil)

	err := n.Post(context.Background(), "run-1", "step plan completed")
	require.NoError(t, err)
	assert.Equal(t, []string{"step plan completed"}, m.sent())
	assert.Equal(t, "#relay-runs", m.channel)
}

func TestPost_LongTextSplitsIntoNumberedChunks(t *testing.T) {
	m := &fakeMessaging{}
	n := notifier.New(m, "#relay-runs", nil)

	long := strings.Repeat("a", 9000)
	err := n.Post(context.Background(), "run-1", long)
	require.NoError(t, err)

	msgs := m.sent()
	require.Len(t, msgs, 3)
	assert.True(t, strings.HasPrefix(msgs[0], "[1/3] "))
	assert.True(t, strings.HasPrefix(msgs[1], "[2/3] "))
	assert.True(t, strings.HasPrefix(msgs[2], "[3/3] "))
}

func TestPost_EmptyChannelIsNoOp(t *testing.T) {
	m := &fakeMessaging{}
	n := notifier.New(m, "", nil)

	err := n.Post(context.Background(), "run-1", "hello")
	require.NoError(t, err)
	assert.Empty(t, m.sent())
}

func TestPost_NilNotifierIsNoOp(t *testing.T) {
	var n *notifier.Notifier
	err := n.Post(context.Background(), "run-1", "hello")
	require.NoError(t, err)
}

func TestPost_TransportErrorIsSwallowed(t *testing.T) {
	m := &fakeMessaging{sendErr: assertableErr("channel gone")}
	n := notifier.New(m, "#relay-runs", nil)

	err := n.Post(context.Background(), "run-1", "hello")
	require.NoError(t, err)
}

type assertableErr string

func (e assertableErr) Error() string { return string(e) }
