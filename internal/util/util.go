package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaskString renders the low count bits of b, bit 0 first.
func MaskString(b byte, count int) string {
	var s strings.Builder
	for i := 0; i < 8 && i < count; i++ {
		if b&(1<<i) != 0 {
			s.WriteString("1")
		} else {
			s.WriteString("0")
		}
	}
	return s.String()
}

// ToFloat accepts numbers and numeric strings ("21,5" included).
func ToFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, fmt.Errorf("missing value")
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(x), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// ToInt truncates ToFloat; non-finite values fail.
func ToInt(v any) (int, error) {
	f, err := ToFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %v", v)
	}
	return int(f), nil
}

// ToAddress parses a bus address 0..254.
func ToAddress(v any) (byte, error) {
	n, err := ToInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 254 {
		return 0, fmt.Errorf("address %d out of range 0..254", n)
	}
	return byte(n), nil
}

// ToByte parses 0..255, accepting "0x" hex strings.
func ToByte(v any) (byte, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			n, err := strconv.ParseUint(s[2:], 16, 8)
			if err != nil {
				return 0, fmt.Errorf("not a byte: %q", s)
			}
			return byte(n), nil
		}
	}
	n, err := ToInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("%d out of byte range", n)
	}
	return byte(n), nil
}

// BoolValue reads the usual truthy spellings: 1, true, on, yes.
func BoolValue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "on", "yes", "y":
			return true
		}
		return false
	default:
		n, err := ToFloat(v)
		return err == nil && n != 0
	}
}
