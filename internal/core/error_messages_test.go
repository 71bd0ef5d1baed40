package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
	"github.com/hashicorp/go-multierror"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "nil error returns empty",
			err:         nil,
			wantCode:    "",
			wantMessage: "",
		},
		{
			name:        "validation error uses family code and detail",
			err:         Invalid(FamilyGeoPackage, "No valid layers found"),
			wantCode:    "IMP001",
			wantMessage: "No valid layers found",
		},
		{
			name:        "wrapped validation error",
			err:         fmt.Errorf("admit: %w", Invalid(FamilyTiles3D, "missing asset")),
			wantCode:    "IMP007",
			wantMessage: "missing asset",
		},
		{
			name:        "parallelism limit",
			err:         fmt.Errorf("user alice: %w", ErrParallelismLimit),
			wantCode:    "UPL001",
			wantMessage: "Too many imports are running for this user",
		},
		{
			name:        "ambiguous handler",
			err:         ErrAmbiguousHandler,
			wantCode:    "UPL003",
			wantMessage: "The uploaded files match more than one format",
		},
		{
			name:        "resource not found",
			err:         fmt.Errorf("%w: 7", resource.ErrNotFound),
			wantCode:    "EXE002",
			wantMessage: "Resource not found",
		},
		{
			name:        "constraint violation inside multierror",
			err:         multierror.Append(nil, &constraint.Violation{Validator: "geometry_required", FID: 3, Reason: "geometry is empty"}),
			wantCode:    "EXE003",
			wantMessage: "feature 3 rejected by geometry_required: geometry is empty",
		},
		{
			name:        "catalog api error",
			err:         fmt.Errorf("publish: %w", &publisher.APIError{Method: "POST", Path: "/workspaces", Status: 500}),
			wantCode:    "CAT001",
			wantMessage: "GeoServer rejected the request (HTTP 500)",
		},
		{
			name:        "ogr2ogr failure",
			err:         errors.New("ogr2ogr roads: ERROR 1: no such layer"),
			wantCode:    "EXE004",
			wantMessage: "The data could not be converted into the database",
		},
		{
			name:        "case insensitive matching",
			err:         errors.New("DUPLICATE KEY value violates"),
			wantCode:    "EXE005",
			wantMessage: "A record with this key already exists",
		},
		{
			name:        "unknown error returns default",
			err:         errors.New("some random internal error"),
			wantCode:    "ERR000",
			wantMessage: "An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Message != tt.wantMessage {
				t.Errorf("MapError() message = %q, want %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(ErrNoHandler)

	expected := "The uploaded files are not a supported format (Code: UPL002). Upload a GeoPackage, Shapefile, GeoJSON, KML, CSV, GeoTIFF or 3D Tiles dataset"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error is not user facing", err: nil, want: false},
		{name: "known error is user facing", err: errors.New("connection refused"), want: true},
		{name: "unknown error is not user facing", err: errors.New("random internal error xyz"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}
