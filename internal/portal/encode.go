package portal

import "net/url"

// Form encoding for create/update submissions. Two legacy artifacts live
// here on purpose, as named steps rather than hidden defaults, so they stay
// visible and testable:
//
//   - the CSRF token is sent TWICE under the same field name. Real browser
//     sessions against this portal do that (the page renders two token
//     inputs) and the server silently rejects single-token bodies.
//   - updates tunnel PUT through POST via a _method field, because the
//     transport only accepts GET and POST.

// duplicateToken writes the token as exactly two body entries.
func duplicateToken(body url.Values, token string) {
	body[tokenField] = []string{token, token}
}

// EncodeCreate builds the body for POST /profiles/{type}. Caller fields are
// carried verbatim; any _token/_method keys smuggled in through the field
// map are dropped first so the bookkeeping entries stay canonical.
func EncodeCreate(fields FormSnapshot, token string) url.Values {
	body := make(url.Values, len(fields)+1)
	for name, value := range fields {
		if name == tokenField || name == methodField {
			continue
		}
		body.Set(name, value)
	}
	duplicateToken(body, token)
	return body
}

// EncodeUpdate builds the body for POST /profiles/{type}/{id}/edit with the
// PUT override. The baseline snapshot must be freshly scraped: the portal
// blanks every field missing from a submission, so all baseline fields are
// resent and changes are overlaid on top.
func EncodeUpdate(baseline, changes FormSnapshot, token string) url.Values {
	merged := baseline.Merge(changes)
	body := make(url.Values, len(merged)+2)
	for name, value := range merged {
		if name == tokenField || name == methodField {
			continue
		}
		body.Set(name, value)
	}
	body.Set(methodField, "PUT")
	duplicateToken(body, token)
	return body
}
