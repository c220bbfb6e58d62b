package starnet

// errors.go collects the error kinds reported by the builders, the simulator
// and the report formatter.  Every one is a sentinel that callers test with errors.Is;
// the detail of a particular failure is wrapped around it with %w.

import (
	"errors"
	"strings"
)

var (
	// ErrAddressSpaceExhausted is returned when an index does not fit the
	// variable octets of an address template
	ErrAddressSpaceExhausted = errors.New("address space exhausted")

	// ErrInvalidTemplate flags an address template that cannot be parsed
	ErrInvalidTemplate = errors.New("invalid address template")

	// ErrInconsistentTopology covers links to unknown nodes, self links, overlapping
	// subnets, disconnected graphs, and sessions naming nodes without addresses
	ErrInconsistentTopology = errors.New("inconsistent topology")

	// ErrInvalidSession flags timing or rate parameters no session can carry
	ErrInvalidSession = errors.New("invalid session parameters")

	// ErrIndeterminateThroughput marks a flow whose observation window is empty
	ErrIndeterminateThroughput = errors.New("indeterminate throughput")

	// ErrInsufficientSamples is returned when fewer than two samples are aggregated
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrTornDown is returned by a simulator instance used after Teardown
	ErrTornDown = errors.New("simulator instance torn down")
)

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
// Each constituent stays reachable through errors.Is.
func ReportErrs(errs []error) error {
	kept := make([]error, 0)
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			kept = append(kept, err)
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if len(kept) == 1 {
		return kept[0]
	}

	return &joinedErr{errs: kept, msg: strings.Join(errMsg, ",")}
}

type joinedErr struct {
	errs []error
	msg  string
}

func (je *joinedErr) Error() string   { return je.msg }
func (je *joinedErr) Unwrap() []error { return je.errs }
