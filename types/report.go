package types

import "fmt"

// ReportType selects the projection of a Result returned to clients.
type ReportType string

const (
	// ReportOverview counts hosts per distinct reply value.
	ReportOverview ReportType = "OVERVIEW"
	// ReportFull lists reply and status per host.
	ReportFull ReportType = "FULL"
	// ReportCodes lists the HTTP status per host.
	ReportCodes ReportType = "CODES"
	// ReportCodesOverview counts hosts per distinct status code.
	ReportCodesOverview ReportType = "CODES_OVERVIEW"
)

// DefaultReportType is used when neither the endpoint configuration nor
// the request selects a report type.
const DefaultReportType = ReportCodesOverview

// ParseReportType validates a report type string.
func ParseReportType(s string) (ReportType, error) {
	switch ReportType(s) {
	case ReportOverview, ReportFull, ReportCodes, ReportCodesOverview:
		return ReportType(s), nil
	}
	return "", fmt.Errorf("unknown report type: %s", s)
}
