package driver

import (
	"strings"
	"unicode"
)

// Cisco CLI tables abbreviate interface names; both sides of a join are
// expanded to the full name before matching.
var ifPrefixes = []struct{ short, long string }{
	{"HundredGigE", "HundredGigE"},
	{"Hu", "HundredGigE"},
	{"FortyGigabitEthernet", "FortyGigabitEthernet"},
	{"Fo", "FortyGigabitEthernet"},
	{"TwentyFiveGigE", "TwentyFiveGigE"},
	{"Twe", "TwentyFiveGigE"},
	{"TenGigabitEthernet", "TenGigabitEthernet"},
	{"Te", "TenGigabitEthernet"},
	{"GigabitEthernet", "GigabitEthernet"},
	{"Gi", "GigabitEthernet"},
	{"Ethernet", "Ethernet"},
	{"Eth", "Ethernet"},
	{"Et", "Ethernet"},
}

// ExpandIfName turns "Eth1/1" into "Ethernet1/1" and "Te1/1/1" into
// "TenGigabitEthernet1/1/1". Unknown names are returned unchanged.
func ExpandIfName(name string) string {
	for _, p := range ifPrefixes {
		if !strings.HasPrefix(name, p.short) {
			continue
		}
		rest := name[len(p.short):]
		if rest == "" || !unicode.IsDigit(rune(rest[0])) {
			continue
		}
		return p.long + rest
	}
	return name
}

// looksLikeIfName reports whether s starts with letters followed by a digit,
// which is how port rows start in CLI tables.
func looksLikeIfName(s string) bool {
	i := strings.IndexFunc(s, unicode.IsDigit)
	return i > 0 && unicode.IsLetter(rune(s[0]))
}
