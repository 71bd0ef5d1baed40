package core

// errors.go defines the error taxonomy of the import pipeline.
//
// Admission errors (validation, parallelism, handler resolution) are returned
// synchronously and never leave state behind. Errors raised inside a step
// are recorded on the execution, which then rolls back.

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is returned when no registered handler accepts a file set.
	ErrNoHandler = errors.New("no handler found for the uploaded files")
	// ErrAmbiguousHandler is returned when more than one handler accepts a file set.
	ErrAmbiguousHandler = errors.New("more than one handler accepts the uploaded files")
	// ErrParallelismLimit is returned when a user has too many running executions.
	ErrParallelismLimit = errors.New("parallelism limit exceeded")
	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrUnsupportedStep is returned when a handler lacks the capability a step needs.
	ErrUnsupportedStep = errors.New("step not supported by handler")
)

// Validation families, one per handler plus the cross-cutting upload family.
const (
	FamilyUpload     = "upload"
	FamilyGeoPackage = "geopackage"
	FamilyShapefile  = "shapefile"
	FamilyGeoJSON    = "geojson"
	FamilyKML        = "kml"
	FamilyCSV        = "csv"
	FamilyGeoTIFF    = "geotiff"
	FamilyTiles3D    = "3dtiles"
	FamilyMetadata   = "metadata"
	FamilySLD        = "sld"
)

// ValidationError rejects input before any side effect happened.
type ValidationError struct {
	Family string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s upload: %s", e.Family, e.Detail)
}

// Invalid builds a ValidationError for family.
func Invalid(family, format string, args ...any) error {
	return &ValidationError{Family: family, Detail: fmt.Sprintf(format, args...)}
}

// AsValidation returns the ValidationError wrapped in err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
