package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// hexBytes is a byte string given as hex on the command line.
type hexBytes []byte

func (b *hexBytes) UnmarshalFlag(val string) error {
	v, err := hex.DecodeString(val)
	if err != nil {
		return fmt.Errorf("invalid hex value: %q", val)
	}
	*b = v
	return nil
}

func (b hexBytes) MarshalFlag() (string, error) {
	return hex.EncodeToString(b), nil
}

// base64Bytes is a byte string given as standard base64 on the command line.
type base64Bytes []byte

func (b *base64Bytes) UnmarshalFlag(val string) error {
	v, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return fmt.Errorf("invalid base64 value: %q", val)
	}
	*b = v
	return nil
}

func (b base64Bytes) MarshalFlag() (string, error) {
	return base64.StdEncoding.EncodeToString(b), nil
}
