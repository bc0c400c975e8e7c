package domain

import (
	"errors"
	"fmt"
)

// Таксономия ошибок ядра. Возвращаются типизированно, никогда
// не «пролетают» через границу движка паникой.
var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrTicketNotFound    = errors.New("approval ticket not found")
	ErrAlreadyResolved   = errors.New("approval ticket already resolved")
	ErrInvalidTransition = errors.New("invalid ticket status transition")
	ErrUnauthorized      = errors.New("actor lacks admin rights")
)

// StorageError — недоступность персистентности на критическом пути.
// Решение без audit-записи не выдается: такой вызов падает целиком.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// CryptoError — отсутствующий или неверный ключ шифрования аудита.
// Fail-closed: читать шифротекст «как есть» запрещено.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto failure during %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }
