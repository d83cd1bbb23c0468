//go:build integration

package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a real Redis container, mirroring the grounding
// repository's orchestrator_integration_test.go setupRedis helper. Unlike
// the miniredis-backed unit tests, this exercises pub/sub against an
// actual Redis server end to end.
func setupRedis(t *testing.T) (*redis.Options, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start Redis container: %v", err)
	}

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	cleanup := func() {
		if err := redisC.Terminate(ctx); err != nil {
			t.Logf("failed to terminate Redis container: %v", err)
		}
	}

	return &redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())}, cleanup
}

func TestIntegration_BroadcastAndRequestOverRealRedis(t *testing.T) {
	opts, cleanup := setupRedis(t)
	defer cleanup()

	sender, err := New(Config{Identity: "scout-1", RedisOptions: opts})
	if err != nil {
		t.Fatalf("New(sender): %v", err)
	}
	defer sender.Shutdown(context.Background())

	receiver, err := New(Config{Identity: "scout-2", RedisOptions: opts})
	if err != nil {
		t.Fatalf("New(receiver): %v", err)
	}
	defer receiver.Shutdown(context.Background())

	seen := make(chan Metadata, 1)
	receiver.OnBroadcast("scout.sighting", func(meta Metadata, _ json.RawMessage) {
		seen <- meta
	})

	if err := sender.Broadcast("scout.sighting", map[string]int{"x": 1}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	select {
	case meta := <-seen:
		if meta.From != "scout-1" {
			t.Errorf("meta.From = %q, want scout-1", meta.From)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	receiver.OnRequest("ore.request", func(_ Metadata, payload json.RawMessage) (any, error) {
		return map[string]string{"status": "ack"}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	raw, err := sender.Request(ctx, "scout-2", "ore.request", nil, -1)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var resp struct{ Status string }
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "ack" {
		t.Errorf("resp.Status = %q, want ack", resp.Status)
	}
}
