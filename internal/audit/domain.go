package audit

import "time"

// Result classifies the outcome an audit record describes.
type Result string

const (
	// ResultAllowed marks a permission check that passed.
	ResultAllowed Result = "allowed"
	// ResultDenied marks a permission check that failed.
	ResultDenied Result = "denied"
	// ResultSuccess marks a mutation that committed.
	ResultSuccess Result = "success"
	// ResultFailure marks a mutation that did not commit.
	ResultFailure Result = "failure"
)

// Record is one immutable audit entry. Every permission check and every
// permission mutation produces one.
type Record struct {
	Actor          string
	PermissionCode string
	Resource       string
	Result         Result
	Detail         string
	ErrorMessage   string
	At             time.Time
}

// Filters narrows an audit query. Zero values mean "no filter".
type Filters struct {
	From           time.Time
	To             time.Time
	Actor          string
	PermissionCode string
	Result         Result
	Page           int
	PageSize       int
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}
