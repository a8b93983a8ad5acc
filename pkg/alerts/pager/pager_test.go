package pager

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
	"github.com/ryandielhenn/babysitter/pkg/model"
)

func testAlert() alerts.Alert {
	s := model.NewServer(model.NewServerAddress("web-1", "10.2.0.9"), 8080, 10)
	s.Type = "web"
	s.Description = "frontend"
	s.Payload = json.RawMessage(`{"rps":12}`)
	return alerts.Alert{Server: s, Instance: "mon-1", At: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)}
}

func TestRegisteredTypes(t *testing.T) {
	types := alerts.PagerTypes()
	for _, want := range []string{"log", "exec", "mandrill", "nats", "kafka"} {
		assert.Contains(t, types, want)
	}
}

func TestLogPager(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p, err := alerts.NewPager(config.PagerConfiguration{Name: "audit", Type: "log"}, zap.New(core))
	require.NoError(t, err)

	require.NoError(t, p.Page(context.Background(), testAlert()))
	entries := logs.FilterMessage("Server web-1 [web-1@10.2.0.9] terminated unexpectedly").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "web-1", fields["server"])
	assert.Equal(t, "audit", fields["pager"])
	assert.Equal(t, "mon-1", fields["instance"])
	assert.NoError(t, p.Close())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	path := filepath.Join(t.TempDir(), "respawn.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExecPager(t *testing.T) {
	script := writeScript(t, `echo "$BABYSITTER_SERVER:$BABYSITTER_PORT $@"`+"\n")
	core, logs := observer.New(zapcore.InfoLevel)
	p, err := NewExecPager(script+" --restart", zap.New(core))
	require.NoError(t, err)

	require.NoError(t, p.Page(context.Background(), testAlert()))
	out := logs.FilterField(zap.String("stream", "stdout")).All()
	require.Len(t, out, 1)
	assert.Equal(t, "web-1:8080 --restart --desc "+RespawnDesc, out[0].Message)
	assert.Equal(t, 1, logs.FilterMessage("process exited").Len())
}

func TestExecPagerFailure(t *testing.T) {
	script := writeScript(t, "echo boom >&2\nexit 3\n")
	core, logs := observer.New(zapcore.InfoLevel)
	p, err := NewExecPager(script, zap.New(core))
	require.NoError(t, err)

	err = p.Page(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 3")
	stderr := logs.FilterField(zap.String("stream", "stderr")).All()
	require.Len(t, stderr, 1)
	assert.Equal(t, "boom", stderr[0].Message)

	_, err = NewExecPager("   ", nil)
	assert.Error(t, err)
	_, err = alerts.NewPager(config.PagerConfiguration{Name: "respawn", Type: "exec"}, nil)
	assert.Error(t, err)
}

func TestMandrillPager(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`[{"status":"sent"}]`))
	}))
	defer srv.Close()

	p, err := alerts.NewPager(config.PagerConfiguration{
		Name: "mail",
		Type: "mandrill",
		Settings: map[string]string{
			"api_key": "secret",
			"url":     srv.URL,
			"from":    "monitor@example.com",
			"to":      "ops@example.com, oncall@example.com",
		},
	}, nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Page(context.Background(), testAlert()))
	assert.Equal(t, "secret", got["key"])
	msg := got["message"].(map[string]any)
	assert.Equal(t, "Server web-1 [web-1@10.2.0.9] terminated unexpectedly", msg["subject"])
	assert.Equal(t, "monitor@example.com", msg["from_email"])
	assert.Len(t, msg["to"], 2)
	html := msg["html"].(string)
	assert.Contains(t, html, `<pre>{"rps":12}</pre>`)
	assert.Contains(t, html, "failed to communicate with the monitoring service")
	assert.Contains(t, html, "&#34;hostname&#34;: &#34;web-1&#34;")
	assert.False(t, strings.Contains(html, "{0}"), "placeholders must be replaced")
}

func TestMandrillPagerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":"error","name":"Invalid_Key"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := NewMandrillPager(MandrillConfig{APIKey: "bad", URL: srv.URL}, nil)
	require.NoError(t, err)
	err = p.Page(context.Background(), testAlert())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid_Key")
}

func TestMandrillConfigErrors(t *testing.T) {
	_, err := NewMandrillPager(MandrillConfig{}, nil)
	assert.EqualError(t, err, "mandrill pager requires api_key")
	_, err = NewMandrillPager(MandrillConfig{APIKey: "k", Template: "{"}, nil)
	assert.Error(t, err)
	_, err = NewMandrillPager(MandrillConfig{APIKey: "k", Template: `{"key":""}`}, nil)
	assert.EqualError(t, err, "mandrill template has no message object")

	_, err = alerts.NewPager(config.PagerConfiguration{Name: "m", Type: "mandrill", Settings: map[string]string{
		"api_key": "k", "template": filepath.Join(t.TempDir(), "missing.json"),
	}}, nil)
	assert.Error(t, err)
}

func TestNatsPagerRequiresURL(t *testing.T) {
	_, err := alerts.NewPager(config.PagerConfiguration{Name: "bus", Type: "nats"}, nil)
	assert.EqualError(t, err, "nats pager requires url")
}

func TestKafkaPager(t *testing.T) {
	_, err := NewKafkaPager(KafkaConfig{}, nil)
	assert.Error(t, err)

	p, err := alerts.NewPager(config.PagerConfiguration{Name: "stream", Type: "kafka", Settings: map[string]string{
		"brokers": "localhost:9092, localhost:9093",
	}}, nil)
	require.NoError(t, err)
	kp := p.(*KafkaPager)
	assert.Equal(t, DefaultKafkaTopic, kp.topic)
	assert.Equal(t, kafka.RequireAll, kp.writer.RequiredAcks)
	assert.True(t, kp.writer.AllowAutoTopicCreation)
	assert.Equal(t, "Publishes alert events on Kafka topic babysitter-alerts", kp.Description())
	assert.NoError(t, kp.Close())
}
