// Package health tracks durable tier reachability and publishes it on the
// gRPC health service and the /healthz endpoint.
package health

import (
	"context"
	"time"
)

const (
	// ServiceDurable is the gRPC health service name for the durable tier.
	ServiceDurable = "fusion.durable"
	// ServiceOverall is the empty service name grpc_health_probe checks by default.
	ServiceOverall = ""
)

type Config struct {
	Interval               time.Duration
	Timeout                time.Duration
	UnhealthyAfterFailures int
	HealthyAfterSuccesses  int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.UnhealthyAfterFailures <= 0 {
		c.UnhealthyAfterFailures = 2
	}
	if c.HealthyAfterSuccesses <= 0 {
		c.HealthyAfterSuccesses = 1
	}
	return c
}

// Pinger is the cheap reachability check a durable backend exposes.
type Pinger interface {
	Ping(ctx context.Context) error
}

type DurableState string

const (
	DurableDisabled DurableState = "disabled"
	DurableUnknown  DurableState = "unknown"
	DurableUp       DurableState = "up"
	DurableDown     DurableState = "down"
)

// Status is the snapshot served on /healthz.
type Status struct {
	Status    string       `json:"status"`
	Durable   DurableState `json:"durable"`
	LastCheck string       `json:"lastCheck,omitempty"`
	LastError string       `json:"lastError,omitempty"`
}
