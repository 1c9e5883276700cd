package prune

import "sort"

// natsort orders strings with digit runs compared numerically, so
// "image-10" sorts after "image-9".
func natsort(values []string) {
	sort.Slice(values, func(i, j int) bool {
		return natLess(values[i], values[j])
	})
}

func natLess(a, b string) bool {
	for len(a) > 0 && len(b) > 0 {
		if isDigit(a[0]) && isDigit(b[0]) {
			aNum, aRest := splitDigits(a)
			bNum, bRest := splitDigits(b)
			if aNum != bNum {
				return numLess(aNum, bNum)
			}
			a, b = aRest, bRest
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func splitDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

// numLess compares digit runs of arbitrary length without parsing
// into a bounded integer type.
func numLess(a, b string) bool {
	a = trimLeadingZeros(a)
	b = trimLeadingZeros(b)
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func trimLeadingZeros(s string) string {
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
