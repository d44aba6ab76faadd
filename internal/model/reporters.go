package model

import (
	"sort"
	"strings"
)

type Reporter struct {
	ISO2   string
	M49    string
	NameEN string
}

// EUReporters is the default reporter scope: the 27 EU member states.
var EUReporters = []Reporter{
	{ISO2: "AT", M49: "40", NameEN: "Austria"},
	{ISO2: "BE", M49: "56", NameEN: "Belgium"},
	{ISO2: "BG", M49: "100", NameEN: "Bulgaria"},
	{ISO2: "HR", M49: "191", NameEN: "Croatia"},
	{ISO2: "CY", M49: "196", NameEN: "Cyprus"},
	{ISO2: "CZ", M49: "203", NameEN: "Czechia"},
	{ISO2: "DK", M49: "208", NameEN: "Denmark"},
	{ISO2: "EE", M49: "233", NameEN: "Estonia"},
	{ISO2: "FI", M49: "246", NameEN: "Finland"},
	{ISO2: "FR", M49: "251", NameEN: "France"},
	{ISO2: "DE", M49: "276", NameEN: "Germany"},
	{ISO2: "GR", M49: "300", NameEN: "Greece"},
	{ISO2: "HU", M49: "348", NameEN: "Hungary"},
	{ISO2: "IE", M49: "372", NameEN: "Ireland"},
	{ISO2: "IT", M49: "380", NameEN: "Italy"},
	{ISO2: "LV", M49: "428", NameEN: "Latvia"},
	{ISO2: "LT", M49: "440", NameEN: "Lithuania"},
	{ISO2: "LU", M49: "442", NameEN: "Luxembourg"},
	{ISO2: "MT", M49: "470", NameEN: "Malta"},
	{ISO2: "NL", M49: "528", NameEN: "Netherlands"},
	{ISO2: "PL", M49: "616", NameEN: "Poland"},
	{ISO2: "PT", M49: "620", NameEN: "Portugal"},
	{ISO2: "RO", M49: "642", NameEN: "Romania"},
	{ISO2: "SK", M49: "703", NameEN: "Slovakia"},
	{ISO2: "SI", M49: "705", NameEN: "Slovenia"},
	{ISO2: "ES", M49: "724", NameEN: "Spain"},
	{ISO2: "SE", M49: "752", NameEN: "Sweden"},
}

var reportersByISO2 = func() map[string]Reporter {
	out := make(map[string]Reporter, len(EUReporters))
	for _, reporter := range EUReporters {
		out[reporter.ISO2] = reporter
	}
	return out
}()

func LookupReporter(iso2 string) (Reporter, bool) {
	reporter, ok := reportersByISO2[strings.ToUpper(strings.TrimSpace(iso2))]
	return reporter, ok
}

// ResolveReporters maps a selector ("all" or a comma list) onto known reporter codes.
// Unknown codes are returned separately; when nothing valid remains the full EU list is used.
func ResolveReporters(selector string) (codes []string, unknown []string) {
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.EqualFold(selector, "all") {
		return allReporterCodes(), nil
	}
	seen := make(map[string]struct{})
	for _, part := range strings.Split(selector, ",") {
		code := strings.ToUpper(strings.TrimSpace(part))
		if code == "" {
			continue
		}
		if _, ok := reportersByISO2[code]; !ok {
			unknown = append(unknown, code)
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return allReporterCodes(), unknown
	}
	sort.Strings(codes)
	return codes, unknown
}

func allReporterCodes() []string {
	codes := make([]string, 0, len(EUReporters))
	for _, reporter := range EUReporters {
		codes = append(codes, reporter.ISO2)
	}
	sort.Strings(codes)
	return codes
}
