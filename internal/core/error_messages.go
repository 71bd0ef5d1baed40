package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference.
//
// # Import Errors (IMP001-IMP099)
//
// Validation failures, one code per handler family:
//
//	IMP001 geopackage   IMP004 kml       IMP007 3dtiles
//	IMP002 shapefile    IMP005 csv       IMP008 metadata
//	IMP003 geojson      IMP006 geotiff   IMP009 sld
//	IMP010 upload (missing files, unknown action, bad parameters)
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - Parallelism limit reached
//	UPL002 - No handler accepts the files
//	UPL003 - More than one handler accepts the files
//	UPL004 - Request cancelled ("context canceled")
//	UPL005 - Request timeout ("context deadline exceeded")
//	UPL006 - File too large ("file too large")
//
// # Execution Errors (EXE001-EXE099)
//
//	EXE001 - Execution not found
//	EXE002 - Resource not found
//	EXE003 - Feature rejected by a constraint
//	EXE004 - Vector translation failed ("ogr2ogr")
//	EXE005 - Duplicate key ("duplicate key")
//	EXE006 - Database unreachable ("connection refused")
//	EXE007 - Step not supported by the handler
//
// # Catalog Errors (CAT001-CAT099)
//
//	CAT001 - GeoServer rejected a request
//	CAT002 - GeoServer object missing
//
// # Default Error (ERR000)

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/geoimport/internal/constraint"
	"github.com/JonMunkholm/geoimport/internal/publisher"
	"github.com/JonMunkholm/geoimport/internal/resource"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

var familyCodes = map[string]string{
	FamilyGeoPackage: "IMP001",
	FamilyShapefile:  "IMP002",
	FamilyGeoJSON:    "IMP003",
	FamilyKML:        "IMP004",
	FamilyCSV:        "IMP005",
	FamilyGeoTIFF:    "IMP006",
	FamilyTiles3D:    "IMP007",
	FamilyMetadata:   "IMP008",
	FamilySLD:        "IMP009",
	FamilyUpload:     "IMP010",
}

// sentinelMessages are matched with errors.Is before any text pattern.
var sentinelMessages = []struct {
	target error
	msg    UserMessage
}{
	{ErrParallelismLimit, UserMessage{
		Message: "Too many imports are running for this user",
		Action:  "Wait for a running import to finish and try again",
		Code:    "UPL001",
	}},
	{ErrNoHandler, UserMessage{
		Message: "The uploaded files are not a supported format",
		Action:  "Upload a GeoPackage, Shapefile, GeoJSON, KML, CSV, GeoTIFF or 3D Tiles dataset",
		Code:    "UPL002",
	}},
	{ErrAmbiguousHandler, UserMessage{
		Message: "The uploaded files match more than one format",
		Action:  "Upload one dataset at a time",
		Code:    "UPL003",
	}},
	{ErrExecutionNotFound, UserMessage{
		Message: "Execution not found",
		Action:  "Check the execution id",
		Code:    "EXE001",
	}},
	{resource.ErrNotFound, UserMessage{
		Message: "Resource not found",
		Action:  "Check the resource id",
		Code:    "EXE002",
	}},
	{ErrUnsupportedStep, UserMessage{
		Message: "This format does not support the requested operation",
		Action:  "Choose another action for this resource",
		Code:    "EXE007",
	}},
	{publisher.ErrNotFound, UserMessage{
		Message: "The layer is missing from GeoServer",
		Action:  "Re-run the import to publish it again",
		Code:    "CAT002",
	}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns are matched case-insensitively in order; the first wins.
var errorPatterns = []errorPattern{
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller dataset or try again later",
			Code:    "UPL005",
		},
	},
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds the maximum upload size",
			Action:  "Split the dataset or compress it into a zip file",
			Code:    "UPL006",
		},
	},
	{
		pattern: "ogr2ogr",
		msg: UserMessage{
			Message: "The data could not be converted into the database",
			Action:  "Check that the file opens in a GIS and try again",
			Code:    "EXE004",
		},
	},
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A record with this key already exists",
			Action:  "Use upsert or remove duplicated keys",
			Code:    "EXE005",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to a backing service",
			Action:  "Please try again in a few moments",
			Code:    "EXE006",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000). Support staff
// should check the application logs for the original error.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-facing message. Typed and
// sentinel errors are matched first, then text patterns, then ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	if ve, ok := AsValidation(err); ok {
		code, ok := familyCodes[ve.Family]
		if !ok {
			code = familyCodes[FamilyUpload]
		}
		return UserMessage{Message: ve.Detail, Action: "Check the uploaded files and try again", Code: code}
	}
	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}
	var violation *constraint.Violation
	if errors.As(err, &violation) {
		return UserMessage{
			Message: violation.Error(),
			Action:  "Fix the rejected features and upload again",
			Code:    "EXE003",
		}
	}
	var apiErr *publisher.APIError
	if errors.As(err, &apiErr) {
		return UserMessage{
			Message: fmt.Sprintf("GeoServer rejected the request (HTTP %d)", apiErr.Status),
			Action:  "Check the GeoServer logs and try again",
			Code:    "CAT001",
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError creates a formatted error string for display:
// "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
