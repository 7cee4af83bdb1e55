package notes

import (
	"encoding/json"
	"fmt"
)

// ParseRequest decodes one inbound text payload. The date and audience are
// required; every other gap is left for AnyFieldEmpty to report.
func ParseRequest(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, err
	}
	if req.ReleaseDate.IsZero() {
		return Request{}, fmt.Errorf("release_date is required")
	}
	if !req.TargetAudience.Valid() {
		return Request{}, fmt.Errorf("target_audience is required")
	}
	return req, nil
}

// AnyFieldEmpty reports whether the request must be rejected: no tickets, or
// an empty string in any text field of the request or its tickets.
func (r Request) AnyFieldEmpty() bool {
	if len(r.Tickets) == 0 {
		return true
	}

	for _, field := range []string{r.RepoLink, r.ProductName, r.ReleaseTag, r.PrevReleaseTag} {
		if field == "" {
			return true
		}
	}
	for _, ticket := range r.Tickets {
		if ticket.Summary == "" || ticket.Description == "" {
			return true
		}
	}
	return false
}

// Validate returns true when the request is rejected.
func Validate(r Request) bool {
	return r.AnyFieldEmpty()
}
