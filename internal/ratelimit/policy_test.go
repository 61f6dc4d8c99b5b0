package ratelimit

import (
	"errors"
	"testing"
	"time"

	"admission-service/internal/config"
)

func TestNewRegistryValidation(t *testing.T) {
	valid := config.PolicyConfig{
		Name:        "login",
		Window:      time.Minute,
		MaxRequests: 5,
	}

	tests := []struct {
		name    string
		configs []config.PolicyConfig
		wantErr bool
	}{
		{"valid", []config.PolicyConfig{valid}, false},
		{"empty", nil, true},
		{"empty name", []config.PolicyConfig{{Window: time.Minute, MaxRequests: 5}}, true},
		{"duplicate", []config.PolicyConfig{valid, valid}, true},
		{"zero window", []config.PolicyConfig{{Name: "x", MaxRequests: 5}}, true},
		{"zero max", []config.PolicyConfig{{Name: "x", Window: time.Minute}}, true},
		{"negative block", []config.PolicyConfig{{Name: "x", Window: time.Minute, MaxRequests: 5, BlockDuration: -time.Second}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.configs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewRegistry() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryGetUnknownPolicy(t *testing.T) {
	registry, err := NewRegistry([]config.PolicyConfig{
		{Name: "login", Window: time.Minute, MaxRequests: 5},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	if _, err := registry.Get("login"); err != nil {
		t.Fatalf("Get(login) error = %v", err)
	}

	_, err = registry.Get("nope")
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("Get(nope) error = %v, want ErrUnknownPolicy", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	registry, err := NewRegistry([]config.PolicyConfig{
		{Name: "otp", Window: time.Minute, MaxRequests: 3},
		{Name: "login", Window: time.Minute, MaxRequests: 5},
		{Name: "register", Window: time.Hour, MaxRequests: 3},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	names := registry.Names()
	want := []string{"login", "otp", "register"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
}
