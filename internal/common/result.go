package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a point failed. The string value is what lands in
// the failure ledger's error_type column.
type ErrorKind string

const (
	KindNoPanoIDFound          ErrorKind = "NO_PANOID_FOUND"
	KindAllTilesMissing        ErrorKind = "ALL_TILES_MISSING"
	KindAPIAuthForbidden       ErrorKind = "API_AUTH_FORBIDDEN"
	KindAPIBadRequest          ErrorKind = "API_BAD_REQUEST"
	KindAPIRateLimit           ErrorKind = "API_RATE_LIMIT"
	KindAPIServerError         ErrorKind = "API_SERVER_ERROR"
	KindNetworkTimeout         ErrorKind = "NETWORK_TIMEOUT"
	KindNetworkConnection      ErrorKind = "NETWORK_CONNECTION_ERROR"
	KindPanoIDJSONParse        ErrorKind = "PANOID_JSON_PARSE_ERROR"
	KindUnclassifiedHTTPStatus ErrorKind = "UNCLASSIFIED_HTTP_STATUS"
	KindUnclassifiedRequest    ErrorKind = "UNCLASSIFIED_REQUEST_ERROR"
	KindInternalProcessing     ErrorKind = "INTERNAL_PROCESSING_ERROR"
	KindGeneralException       ErrorKind = "GENERAL_EXCEPTION"
)

// DefaultErrorKind is written for legacy failure rows that predate the
// error_type column and whose reason can't be mapped to a kind.
const DefaultErrorKind = KindGeneralException

var knownKinds = map[ErrorKind]bool{
	KindNoPanoIDFound:          true,
	KindAllTilesMissing:        true,
	KindAPIAuthForbidden:       true,
	KindAPIBadRequest:          true,
	KindAPIRateLimit:           true,
	KindAPIServerError:         true,
	KindNetworkTimeout:         true,
	KindNetworkConnection:      true,
	KindPanoIDJSONParse:        true,
	KindUnclassifiedHTTPStatus: true,
	KindUnclassifiedRequest:    true,
	KindInternalProcessing:     true,
	KindGeneralException:       true,
}

// Valid reports whether k is one of the known kinds
func (k ErrorKind) Valid() bool {
	return knownKinds[k]
}

// Permanent reports whether a failure of this kind is never retried, even
// when retry of failed points is enabled.
func (k ErrorKind) Permanent() bool {
	return k == KindNoPanoIDFound
}

func (k ErrorKind) String() string {
	return string(k)
}

// Failure reasons written to the ledger Reason column
const (
	ReasonNoPanoID        = "No panoId"
	ReasonAllTilesMissing = "All tiles missing"
)

// ErrTileMissing is returned by a tile source when a tile could not be
// obtained but the panorama can still be assembled without it.
var ErrTileMissing = errors.New("tile missing")

// PointError aborts the processing of one point.
type PointError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *PointError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *PointError) Unwrap() error {
	return e.Err
}

// Outcome is the result of processing one work item. Exactly one of the
// success or failure field groups is meaningful, selected by Success.
type Outcome struct {
	ID      string
	Success bool

	// Success fields
	PanoID   string
	Filename string

	// Failure fields
	Reason string
	Kind   ErrorKind
}

// Succeeded builds a success outcome
func Succeeded(id, panoID, filename string) Outcome {
	return Outcome{ID: id, Success: true, PanoID: panoID, Filename: filename}
}

// Failed builds a failure outcome
func Failed(id, reason string, kind ErrorKind) Outcome {
	return Outcome{ID: id, Reason: reason, Kind: kind}
}

// FailedFromError converts err into a failure outcome, keeping the kind of a
// *PointError and falling back to fallback otherwise.
func FailedFromError(id string, err error, fallback ErrorKind) Outcome {
	var pe *PointError
	if errors.As(err, &pe) {
		reason := pe.Reason
		if reason == "" {
			reason = pe.Error()
		}
		return Failed(id, reason, pe.Kind)
	}
	return Failed(id, err.Error(), fallback)
}
