package utils

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

func prefixedCode(prefix string, n int) (string, error) {
	code, err := GenerateCode(n)
	if err != nil {
		return "", err
	}
	return prefix + code, nil
}

// NewOrderNumber returns an id of the form ORD-XXXXXXXXXXXX.
func NewOrderNumber() (string, error) { return prefixedCode("ORD-", 6) }

// NewTicketNumber returns an id of the form TKT-XXXXXXXXXXXXXXXX.
func NewTicketNumber() (string, error) { return prefixedCode("TKT-", 8) }

// NewPaymentNumber returns an id of the form PAY-XXXXXXXXXXXX.
func NewPaymentNumber() (string, error) { return prefixedCode("PAY-", 6) }
