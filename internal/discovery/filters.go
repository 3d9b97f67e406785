package discovery

import "regexp"

var partialISORe = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// FilterResult splits publications into those eligible for classification and
// those held back by a date gate.
type FilterResult struct {
	Eligible []Publication `json:"eligible"`
	Filtered []Publication `json:"filtered"`
}

// MaxDateFilter keeps publications dated strictly before cutoff, plus those
// with no date. Invalid date strings are treated as ineligible. Comparison is
// string order on the partial ISO prefix, which sorts "2020" < "2020-01" <
// "2020-01-01".
func MaxDateFilter(pubs []Publication, cutoff string) FilterResult {
	res := FilterResult{Eligible: []Publication{}, Filtered: []Publication{}}
	if cutoff == "" {
		res.Eligible = append(res.Eligible, pubs...)
		return res
	}
	for _, p := range pubs {
		switch {
		case p.PublicationDate == "":
			res.Eligible = append(res.Eligible, p)
		case !partialISORe.MatchString(p.PublicationDate):
			res.Filtered = append(res.Filtered, p)
		case p.PublicationDate < cutoff:
			res.Eligible = append(res.Eligible, p)
		default:
			res.Filtered = append(res.Filtered, p)
		}
	}
	return res
}

// MinDateFilter drops publications that clearly predate the trial start.
// Missing and invalid dates are retained: the gate never over-filters.
func MinDateFilter(pubs []Publication, startDate string) FilterResult {
	res := FilterResult{Eligible: []Publication{}, Filtered: []Publication{}}
	if startDate == "" {
		res.Eligible = append(res.Eligible, pubs...)
		return res
	}
	for _, p := range pubs {
		switch {
		case p.PublicationDate == "":
			res.Eligible = append(res.Eligible, p)
		case !partialISORe.MatchString(p.PublicationDate):
			res.Eligible = append(res.Eligible, p)
		case p.PublicationDate < startDate:
			res.Filtered = append(res.Filtered, p)
		default:
			res.Eligible = append(res.Eligible, p)
		}
	}
	return res
}
