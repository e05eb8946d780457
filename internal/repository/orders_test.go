package repository

import (
	"errors"
	"testing"
	"time"
)

func TestClassifyLockFailure(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	owner := int64(9)
	stranger := int64(10)
	held := now.Add(time.Minute)
	expired := now.Add(-time.Minute)

	tests := []struct {
		name        string
		requester   *int64
		ownerID     int64
		lockedUntil *time.Time
		want        error
	}{
		{
			name:        "foreign order is indistinguishable from missing",
			requester:   &stranger,
			ownerID:     owner,
			lockedUntil: &held,
			want:        ErrOrderNotFound,
		},
		{
			name:        "held lock blocks the owner",
			requester:   &owner,
			ownerID:     owner,
			lockedUntil: &held,
			want:        ErrRetryLocked,
		},
		{
			name:        "held lock blocks an admin too",
			requester:   nil,
			ownerID:     owner,
			lockedUntil: &held,
			want:        ErrRetryLocked,
		},
		{
			name:        "expired lock means the status was ineligible",
			requester:   &owner,
			ownerID:     owner,
			lockedUntil: &expired,
			want:        ErrNotRetryable,
		},
		{
			name:      "no lock means the status was ineligible",
			requester: &owner,
			ownerID:   owner,
			want:      ErrNotRetryable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyLockFailure(tt.requester, tt.ownerID, tt.lockedUntil, now)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyLockFailure() = %v, want %v", got, tt.want)
			}
		})
	}
}
