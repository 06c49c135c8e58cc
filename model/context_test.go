package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "valid context",
			rc:      &RequestContext{SubjectID: "user-1", TenantID: "tenant-1"},
			wantErr: false,
		},
		{
			name:    "system caller without subject",
			rc:      &RequestContext{TenantID: "tenant-1"},
			wantErr: false,
		},
		{
			name:    "missing TenantID",
			rc:      &RequestContext{SubjectID: "user-1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"operator", "viewer"}}
	if !rc.HasRole("operator") {
		t.Error("HasRole(operator) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
}

func TestRequestContext_Actor(t *testing.T) {
	if got := (&RequestContext{}).Actor(); got != "system" {
		t.Errorf("Actor() = %q, want system", got)
	}
	if got := (&RequestContext{SubjectID: "ops-1"}).Actor(); got != "ops-1" {
		t.Errorf("Actor() = %q, want ops-1", got)
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"tenant_id": "t-1"}}
	if got := rc.Claim("tenant_id"); got != "t-1" {
		t.Errorf("Claim(tenant_id) = %v", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("x"); got != nil {
		t.Errorf("Claim on nil claims = %v, want nil", got)
	}
}

func TestRequestContext_roundTrip(t *testing.T) {
	rc := &RequestContext{TenantID: "tenant-1"}
	ctx := WithRequestContext(context.Background(), rc)
	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustRequestContext_panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRequestContext did not panic")
		}
	}()
	MustRequestContext(context.Background())
}
