package domain

import "fmt"

// NormalizeCPF strips the usual "000.000.000-00" punctuation and validates
// the two check digits of the Brazilian CPF scheme. Returns the bare 11-digit
// form.
func NormalizeCPF(raw string) (string, error) {
	digits := make([]byte, 0, 11)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case c >= '0' && c <= '9':
			digits = append(digits, c)
		case c == '.' || c == '-' || c == ' ':
			// formatting, ignore
		default:
			return "", fmt.Errorf("%w: cpf contains invalid character %q", ErrValidation, c)
		}
	}
	if len(digits) != 11 {
		return "", fmt.Errorf("%w: cpf must have 11 digits, got %d", ErrValidation, len(digits))
	}

	// A CPF of eleven identical digits passes the checksum but is not issued.
	allSame := true
	for i := 1; i < 11; i++ {
		if digits[i] != digits[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return "", fmt.Errorf("%w: cpf with repeated digits", ErrValidation)
	}

	if cpfCheckDigit(digits, 9) != int(digits[9]-'0') ||
		cpfCheckDigit(digits, 10) != int(digits[10]-'0') {
		return "", fmt.Errorf("%w: cpf checksum mismatch", ErrValidation)
	}
	return string(digits), nil
}

// cpfCheckDigit computes the verification digit over the first n digits,
// weighted n+1 down to 2.
func cpfCheckDigit(digits []byte, n int) int {
	sum := 0
	for i := 0; i < n; i++ {
		sum += int(digits[i]-'0') * (n + 1 - i)
	}
	d := (sum * 10) % 11
	if d == 10 {
		d = 0
	}
	return d
}
