package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telewindow/internal/config"
	"telewindow/internal/model"
)

func TestTCPStreamForwardsLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	out := make(chan model.Envelope, 4)
	cfg := config.NewStaticManager(config.DefaultConfig())
	serveTCPStream(ctx, ln, cfg, &Sink{Out: out}, nil)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("widget_id,device_id,attribute_key,ts,value\nw1,dev1,temp,1000,3.5\n"))
	require.NoError(t, err)

	select {
	case env := <-out:
		assert.Equal(t, "w1", env.WidgetID)
		assert.Equal(t, "tcp_stream", env.Source)
		assert.Equal(t, model.RawValue("3.5"), env.Message.Data[0].Timeseries["temp"][0].Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
}

func TestKafkaEnvelopesPreferRecordKey(t *testing.T) {
	envs, err := kafkaEnvelopes(kafka.Message{
		Key:   []byte("w1"),
		Value: []byte(`[{"widget_id":"other","data":[]},{"data":[]}]`),
	}, "")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	for _, env := range envs {
		assert.Equal(t, "w1", env.WidgetID)
		assert.Equal(t, "kafka", env.Source)
	}

	envs, err = kafkaEnvelopes(kafka.Message{Value: []byte(`{"widget_id":"w7","data":[]}`)}, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "w7", envs[0].WidgetID)

	_, err = kafkaEnvelopes(kafka.Message{Value: []byte(`nope`)}, "")
	assert.Error(t, err)
}
