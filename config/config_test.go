package config

import (
	"testing"
	"time"
)

func TestFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("NSQ_TOPIC", "")
	c := FromEnv()
	if c.ServiceName != "nsqpipe" {
		t.Errorf("ServiceName = %q, want default", c.ServiceName)
	}
	if len(c.NSQDAddrs) != 1 || c.NSQDAddrs[0] != "127.0.0.1:4150" {
		t.Errorf("NSQDAddrs = %v, want default single addr", c.NSQDAddrs)
	}
	if c.Concurrency != 4 || c.Timeout != 30*time.Second {
		t.Errorf("Concurrency/Timeout defaults wrong: %+v", c)
	}
}

func TestFromEnvReadsOverrides(t *testing.T) {
	t.Setenv("NSQD_TCP_ADDRS", "a:4150, b:4150")
	t.Setenv("WORKER_CONCURRENCY", "10")
	t.Setenv("WORKER_TIMEOUT", "5s")

	c := FromEnv()
	if len(c.NSQDAddrs) != 2 || c.NSQDAddrs[0] != "a:4150" || c.NSQDAddrs[1] != "b:4150" {
		t.Errorf("NSQDAddrs = %v, want [a:4150 b:4150]", c.NSQDAddrs)
	}
	if c.Concurrency != 10 {
		t.Errorf("Concurrency = %d, want 10", c.Concurrency)
	}
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", c.Timeout)
	}
}

func TestValidateRequiresTopicAndChannel(t *testing.T) {
	c := Config{NSQDAddrs: []string{"a:4150"}, Concurrency: 1}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error without topic/channel")
	}

	c.Topic = "orders"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error without channel")
	}

	c.Channel = "worker"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateClampsMaxInFlight(t *testing.T) {
	c := Config{NSQDAddrs: []string{"a:4150"}, Topic: "orders", Channel: "worker", Concurrency: 3, MaxInFlight: 50}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.MaxInFlight != 3 {
		t.Errorf("MaxInFlight = %d, want clamped to 3", c.MaxInFlight)
	}
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	c := Config{NSQDAddrs: []string{"a:4150"}, Topic: "orders", Channel: "worker", Concurrency: 0}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}
