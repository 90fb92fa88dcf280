package domain

// Record is a matched categorization fact. For hostname matches Domain holds
// the stored suffix that matched; for synthetic IP results IP is set instead.
type Record struct {
	Domain   string `json:"domain,omitempty"`
	IP       string `json:"ip,omitempty"`
	Category string `json:"category"`
}

// LookupResult is the response shape of the lookup contracts.
type LookupResult struct {
	Match  bool    `json:"match"`
	Result *Record `json:"result,omitempty"`
}

// NoMatch returns a negative lookup result.
func NoMatch() LookupResult { return LookupResult{Match: false} }

// Matched returns a positive lookup result for r.
func Matched(r Record) LookupResult { return LookupResult{Match: true, Result: &r} }
