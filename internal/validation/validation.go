// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidTokenAddress проверяет, что строка является hex-адресом контракта вида 0x + 40 символов.
func IsValidTokenAddress(addr string) bool {
	if len(addr) != 42 || addr[0] != '0' || (addr[1] != 'x' && addr[1] != 'X') {
		return false
	}
	for _, ch := range addr[2:] {
		if !isHexDigit(ch) {
			return false
		}
	}
	return true
}

// IsValidCurrency проверяет, что код валюты состоит из трёх заглавных латинских букв.
func IsValidCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, ch := range code {
		if ch < 'A' || ch > 'Z' {
			return false
		}
	}
	return true
}

// IsValidUsername проверяет имя участника: непустое, до 64 печатных символов без пробелов.
func IsValidUsername(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, ch := range name {
		if unicode.IsSpace(ch) || !unicode.IsPrint(ch) {
			return false
		}
	}
	return true
}

func isHexDigit(ch rune) bool {
	switch {
	case ch >= '0' && ch <= '9':
		return true
	case ch >= 'a' && ch <= 'f':
		return true
	case ch >= 'A' && ch <= 'F':
		return true
	}
	return false
}
