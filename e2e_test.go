package rediscope_test

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rediscope/rediscope"
)

// TestEndToEndWithRealRedis runs the client against a real Redis
// instance, with go-redis as the independent counterpart. Requires
// Redis at REDIS_ADDR (default localhost:6379); skipped otherwise.
func TestEndToEndWithRealRedis(t *testing.T) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisPassword := os.Getenv("REDIS_PASSWORD")

	if !isRedisAvailable(redisAddr) {
		t.Skip("Redis not available at", redisAddr, "- skipping e2e test. Set REDIS_ADDR environment variable or start Redis at localhost:6379")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	verifier := goredis.NewClient(&goredis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	})
	defer verifier.Close()

	opts := []rediscope.Option{rediscope.WithAddr(redisAddr)}
	if redisPassword != "" {
		opts = append(opts, rediscope.WithAuth(redisPassword))
	}

	client, err := rediscope.New(opts...)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Destroy()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	key := fmt.Sprintf("rediscope:e2e:%d", time.Now().UnixNano())
	defer verifier.Del(context.Background(), key)

	t.Run("Execute", func(t *testing.T) {
		res := client.Execute(ctx, fmt.Sprintf(`SET %s "e2e value"`, key))
		if !res.Ok {
			t.Fatalf("SET failed: %s", res.Err)
		}

		// Independent read back through go-redis.
		got, err := verifier.Get(ctx, key).Result()
		if err != nil {
			t.Fatalf("verify GET: %v", err)
		}
		if got != "e2e value" {
			t.Errorf("value = %q, want %q", got, "e2e value")
		}
	})

	t.Run("Pipeline", func(t *testing.T) {
		results, err := client.Pipeline(ctx, []string{
			fmt.Sprintf("DEL %s", key),
			fmt.Sprintf("INCR %s", key),
			fmt.Sprintf("INCR %s", key),
			fmt.Sprintf("GET %s", key),
		})
		if err != nil {
			t.Fatalf("pipeline: %v", err)
		}
		if got := results[3].Value.String(); got != "2" {
			t.Errorf("pipelined GET = %q, want 2", got)
		}
	})

	t.Run("PubSub", func(t *testing.T) {
		channel := key + ":chan"
		received := make(chan string, 1)
		client.OnMessage(func(ch string, payload []byte) {
			if ch == channel {
				select {
				case received <- string(payload):
				default:
				}
			}
		})

		if err := client.Subscribe(ctx, channel); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		// Give the server a moment to register the subscription.
		time.Sleep(100 * time.Millisecond)

		if err := verifier.Publish(ctx, channel, "from go-redis").Err(); err != nil {
			t.Fatalf("publish: %v", err)
		}

		select {
		case msg := <-received:
			if msg != "from go-redis" {
				t.Errorf("payload = %q", msg)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for pub/sub delivery")
		}

		if err := client.Unsubscribe(ctx, channel); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	})
}

func isRedisAvailable(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
