package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestBaseError(t *testing.T) {
	t.Run("creates error with all fields", func(t *testing.T) {
		cause := errors.New("underlying error")
		metadata := map[string]any{"key": "value"}

		err := NewBaseError("test", "test_code", "test message", true, cause, metadata)

		if err.Domain() != "test" {
			t.Errorf("expected domain 'test', got '%s'", err.Domain())
		}
		if err.Code() != "test_code" {
			t.Errorf("expected code 'test_code', got '%s'", err.Code())
		}
		if !err.Retryable() {
			t.Error("expected error to be retryable")
		}
		if err.Unwrap() != cause {
			t.Error("expected error to wrap cause")
		}
		if err.Metadata()["key"] != "value" {
			t.Error("expected metadata to be preserved")
		}
		if err.Timestamp().IsZero() {
			t.Error("expected timestamp to be set")
		}
	})

	t.Run("formats error message correctly", func(t *testing.T) {
		tests := []struct {
			name     string
			cause    error
			expected string
		}{
			{name: "without cause", cause: nil, expected: "[test:test_code] test message"},
			{name: "with cause", cause: errors.New("underlying"), expected: "[test:test_code] test message: underlying"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := NewBaseError("test", "test_code", "test message", false, tt.cause, nil)
				if err.Error() != tt.expected {
					t.Errorf("expected '%s', got '%s'", tt.expected, err.Error())
				}
			})
		}
	})

	t.Run("metadata is copied on write", func(t *testing.T) {
		base := NewBaseError("test", "test_code", "test message", false, nil, nil)
		withKey := base.WithMetadata("peer_id", "abc")

		if _, ok := base.Metadata()["peer_id"]; ok {
			t.Error("expected original error metadata to be unchanged")
		}
		if withKey.Metadata()["peer_id"] != "abc" {
			t.Errorf("expected peer_id='abc', got '%v'", withKey.Metadata()["peer_id"])
		}
	})
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same code matches sentinel",
			err:    NewPeerError(ErrCodePeerNotFound, "hostname \"x.local.\" not found", false, nil),
			target: ErrPeerNotFound,
			want:   true,
		},
		{
			name:   "wrapped error matches sentinel",
			err:    fmt.Errorf("lookup: %w", NewPeerError(ErrCodePeerNotFound, "no peer", false, nil)),
			target: ErrPeerNotFound,
			want:   true,
		},
		{
			name:   "different code does not match",
			err:    NewPeerError(ErrCodePeerConflict, "conflict", false, nil),
			target: ErrPeerNotFound,
			want:   false,
		},
		{
			name:   "same code in different domain does not match",
			err:    NewStateError(ErrCodePeerNotFound, "odd", nil),
			target: ErrPeerNotFound,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHelpers(t *testing.T) {
	err := NewStorageError(ErrCodeStateSave, "write failed", true, errors.New("disk full"))
	wrapped := fmt.Errorf("commit: %w", err)

	if !IsDomainError(wrapped) {
		t.Error("expected wrapped error to be recognized as DomainError")
	}
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped storage error to be retryable")
	}
	if !IsErrorCode(wrapped, ErrCodeStateSave) {
		t.Error("expected error chain to carry state_save code")
	}
	if GetErrorCode(errors.New("plain")) != "unknown" {
		t.Error("expected plain errors to report unknown code")
	}
	if GetErrorDomain(err) != DomainStorage {
		t.Errorf("expected domain %q, got %q", DomainStorage, GetErrorDomain(err))
	}
}

func TestInnermost(t *testing.T) {
	inner := NewPeerError(ErrCodeGatewayConflict, "two gateways", false, nil).WithMetadata("peer_ids", []string{"a", "b"})
	outer := NewStateError(ErrCodeStateValidation, "state validation failed", fmt.Errorf("validate: %w", inner))

	de := Innermost(fmt.Errorf("commit: %w", outer))
	if de == nil || de.Code() != ErrCodeGatewayConflict {
		t.Fatalf("expected innermost gateway_conflict, got %v", de)
	}
	if _, ok := de.Metadata()["peer_ids"]; !ok {
		t.Error("expected innermost metadata to be kept")
	}
	if Innermost(errors.New("plain")) != nil {
		t.Error("expected nil for a chain without domain errors")
	}
}
