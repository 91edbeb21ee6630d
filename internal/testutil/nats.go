// Package testutil provides an embedded NATS server with JetStream for
// run-event tests.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartJetStream starts an in-process NATS server with JetStream on a
// random port and returns a connected JetStream context. The returned
// cleanup closes the connection and shuts the server down.
func StartJetStream(t *testing.T) (*nats.Conn, nats.JetStreamContext, func()) {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random free port
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("embedded NATS server did not become ready")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		s.Shutdown()
	}
	return nc, js, cleanup
}

// ConsumeMessages collects every message published on subject during the
// given window.
func ConsumeMessages(js nats.JetStreamContext, subject string, window time.Duration) ([][]byte, error) {
	msgCh := make(chan *nats.Msg, 100)
	sub, err := js.Subscribe(subject, func(msg *nats.Msg) {
		msgCh <- msg
	}, nats.DeliverAll())
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	var messages [][]byte
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case msg := <-msgCh:
			messages = append(messages, msg.Data)
		case <-timer.C:
			return messages, nil
		}
	}
}
