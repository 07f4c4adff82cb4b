package common

import "errors"

var (
	ErrKeySize     = errors.New("invalid entry key size")
	ErrPayloadSize = errors.New("entry payload too large")
)

const (
	//max entry key size
	MaxKeySize int = 1024

	//max payload size carried with one entry
	MaxPayloadSize int = 1024 * 1024
)

func CheckKey(key string) error {
	if len(key) > MaxKeySize || len(key) == 0 {
		return ErrKeySize
	}
	return nil
}

func CheckKeyPayload(key string, payload []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadSize
	}
	return nil
}
